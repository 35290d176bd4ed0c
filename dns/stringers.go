package dns

import "strconv"

var typeNames = map[Type]string{
	TypeA:     "A",
	TypeNS:    "NS",
	TypeCNAME: "CNAME",
	TypeSOA:   "SOA",
	TypePTR:   "PTR",
	TypeMX:    "MX",
	TypeTXT:   "TXT",
	TypeAAAA:  "AAAA",
	TypeSRV:   "SRV",
	TypeOPT:   "OPT",
	TypeWKS:   "WKS",
	TypeHINFO: "HINFO",
	TypeMINFO: "MINFO",
	TypeAXFR:  "AXFR",
	TypeALL:   "ALL",
}

func (t Type) String() string {
	if s, ok := typeNames[t]; ok {
		return s
	}
	return "Type(" + strconv.Itoa(int(t)) + ")"
}

var classNames = map[Class]string{
	ClassINET:   "INET",
	ClassCSNET:  "CSNET",
	ClassCHAOS:  "CHAOS",
	ClassHESIOD: "HESIOD",
	ClassANY:    "ANY",
}

func (c Class) String() string {
	if s, ok := classNames[c]; ok {
		return s
	}
	return "Class(" + strconv.Itoa(int(c)) + ")"
}

var opCodeNames = map[OpCode]string{
	OpCodeQuery:        "Standard query",
	OpCodeInverseQuery: "Inverse query",
	OpCodeStatus:       "Server status request",
}

func (op OpCode) String() string {
	if s, ok := opCodeNames[op]; ok {
		return s
	}
	return "OpCode(" + strconv.Itoa(int(op)) + ")"
}

var rCodeNames = map[RCode]string{
	RCodeSuccess:        "success",
	RCodeFormatError:     "format error",
	RCodeServerFailure:   "server failure",
	RCodeNameError:       "name error",
	RCodeNotImplemented:  "not implemented",
	RCodeRefused:         "refused",
}

func (rc RCode) String() string {
	if s, ok := rCodeNames[rc]; ok {
		return s
	}
	return "RCode(" + strconv.Itoa(int(rc)) + ")"
}

// Error implements the error interface so an RCode can be returned directly
// as the error from a DNS response.
func (rc RCode) Error() string { return "dns: " + rc.String() }
