package tcp

import "testing"

func TestFrameSetAndGetFields(t *testing.T) {
	buf := make([]byte, 40)
	frm, err := NewFrame(buf)
	if err != nil {
		t.Fatal(err)
	}
	frm.SetSourcePort(1234)
	frm.SetDestinationPort(80)
	frm.SetSeq(1000)
	frm.SetAck(2000)
	frm.SetOffsetAndFlags(5, FlagSYN|FlagACK)
	frm.SetWindowSize(65535)

	if frm.SourcePort() != 1234 || frm.DestinationPort() != 80 {
		t.Fatalf("port mismatch: %d %d", frm.SourcePort(), frm.DestinationPort())
	}
	if frm.Seq() != 1000 || frm.Ack() != 2000 {
		t.Fatalf("seq/ack mismatch: %d %d", frm.Seq(), frm.Ack())
	}
	off, flags := frm.OffsetAndFlags()
	if off != 5 || flags != FlagSYN|FlagACK {
		t.Fatalf("offset/flags mismatch: %d %v", off, flags)
	}
	if frm.HeaderLength() != 20 {
		t.Fatalf("want header length 20, got %d", frm.HeaderLength())
	}
}

func TestFrameNewFrameRejectsShortBuffer(t *testing.T) {
	if _, err := NewFrame(make([]byte, 10)); err == nil {
		t.Fatal("want error for buffer shorter than fixed header")
	}
}

func TestFrameValidateSizeDetectsBadOffset(t *testing.T) {
	buf := make([]byte, 20)
	frm, _ := NewFrame(buf)
	frm.SetOffsetAndFlags(10, 0) // 40 bytes claimed, buffer only has 20.
	if err := frm.ValidateSize(); err == nil {
		t.Fatal("want error for header length exceeding buffer")
	}
}

func TestFrameSegmentRoundtrip(t *testing.T) {
	buf := make([]byte, 25)
	frm, _ := NewFrame(buf)
	seg := Segment{SEQ: 42, ACK: 43, WND: 1000, Flags: FlagACK | FlagPSH, DATALEN: 5}
	frm.SetSegment(seg, 5)
	got := frm.Segment(5)
	if got.SEQ != 42 || got.ACK != 43 || got.WND != 1000 || got.Flags != FlagACK|FlagPSH {
		t.Fatalf("roundtrip mismatch: %+v", got)
	}
}
