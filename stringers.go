package simnet

import "strconv"

var etherTypeNames = map[EtherType]string{
	EtherTypeIPv4:                "IPv4",
	EtherTypeARP:                 "ARP",
	EtherTypeWakeOnLAN:           "wake on LAN",
	EtherTypeTRILL:               "TRILL",
	EtherTypeDECnetPhase4:        "DECnetPhase4",
	EtherTypeRARP:                "RARP",
	EtherTypeAppleTalk:           "AppleTalk",
	EtherTypeAARP:                "AARP",
	EtherTypeIPX1:                "IPx1",
	EtherTypeIPX2:                "IPx2",
	EtherTypeQNXQnet:             "QNXQnet",
	EtherTypeIPv6:                "IPv6",
	EtherTypeEthernetFlowControl: "EthernetFlowCtl",
	EtherTypeIEEE802_3:           "IEEE802.3",
	EtherTypeCobraNet:            "CobraNet",
	EtherTypeMPLSUnicast:         "MPLS Unicast",
	EtherTypeMPLSMulticast:       "MPLS Multicast",
	EtherTypePPPoEDiscovery:      "PPPoE discovery",
	EtherTypePPPoESession:        "PPPoE session",
	EtherTypeJumboFrames:         "jumbo frames",
	EtherTypeHomePlug1_0MME:      "home plug 1 0mme",
	EtherTypeIEEE802_1X:          "IEEE 802.1x",
	EtherTypePROFINET:            "profinet",
	EtherTypeHyperSCSI:           "hyper SCSI",
	EtherTypeAoE:                 "AoE",
	EtherTypeEtherCAT:            "EtherCAT",
	EtherTypeEthernetPowerlink:   "Ethernet powerlink",
	EtherTypeLLDP:                "LLDP",
	EtherTypeSERCOS3:             "SERCOS3",
	EtherTypeHomePlugAVMME:       "home plug AVMME",
	EtherTypeMRP:                 "MRP",
	EtherTypeIEEE802_1AE:         "IEEE 802.1ae",
	EtherTypeIEEE1588:            "IEEE 1588",
	EtherTypeIEEE802_1ag:         "IEEE 802.1ag",
	EtherTypeFCoE:                "FCoE",
	EtherTypeFCoEInit:            "FCoE init",
	EtherTypeRoCE:                "RoCE",
	EtherTypeCTP:                 "CTP",
	EtherTypeVeritasLLT:          "Veritas LLT",
	EtherTypeVLAN:                "VLAN",
	EtherTypeServiceVLAN:         "service VLAN",
}

func (et EtherType) String() string {
	if et.IsSize() {
		return "size=" + strconv.Itoa(int(et))
	}
	if s, ok := etherTypeNames[et]; ok {
		return s
	}
	return "EtherType(0x" + strconv.FormatUint(uint64(et), 16) + ")"
}

var ipProtoNames = map[IPProto]string{
	IPProtoHopByHop:       "IPv6 Hop-by-Hop",
	IPProtoICMP:           "ICMP",
	IPProtoIGMP:           "IGMP",
	IPProtoGGP:            "GGP",
	IPProtoIPv4:           "IPv4 encapsulation",
	IPProtoST:             "Stream",
	IPProtoTCP:            "TCP",
	IPProtoCBT:            "CBT",
	IPProtoEGP:            "EGP",
	IPProtoIGP:            "IGP",
	IPProtoNVP:            "NVP",
	IPProtoPUP:            "PUP",
	IPProtoCHAOS:          "Chaos",
	IPProtoUDP:            "UDP",
	IPProtoRDP:            "RDP",
	IPProtoIRTP:           "IRTP",
	IPProtoNETBLT:         "NETBLT",
	IPProtoDCCP:           "DCCP",
	IPProtoXTP:            "XTP",
	IPProtoDDP:            "DDP",
	IPProtoIL:             "IL",
	IPProtoIPv6:           "IPv6 encapsulation",
	IPProtoSDRP:           "SDRP",
	IPProtoIPv6Route:      "IPv6 routing header",
	IPProtoIPv6Frag:       "IPv6 fragment header",
	IPProtoIDRP:           "IDRP",
	IPProtoRSVP:           "RSVP",
	IPProtoGRE:            "GRE",
	IPProtoESP:            "ESP",
	IPProtoAH:             "AH",
	IPProtoMOBILE:         "IP Mobility",
	IPProtoIPv6ICMP:       "ICMPv6",
	IPProtoIPv6NoNxt:      "IPv6 no next header",
	IPProtoIPv6Opts:       "IPv6 destination options",
	IPProtoEIGRP:          "EIGRP",
	IPProtoOSPFIGP:        "OSPFIGP",
	IPProtoETHERIP:        "EtherIP",
	IPProtoENCAP:          "ENCAP",
	IPProtoPIM:            "PIM",
	IPProtoIPComp:         "IPComp",
	IPProtoVRRP:           "VRRP",
	IPProtoPGM:            "PGM",
	IPProtoL2TP:           "L2TPv3",
	IPProtoSCTP:           "SCTP",
	IPProtoFC:             "Fibre Channel",
	IPProtoMobilityHeader: "Mobility Header",
	IPProtoUDPLite:        "UDPLite",
	IPProtoMPLSInIP:       "MPLS-in-IP",
	IPProtoHIP:            "HIP",
	IPProtoShim6:          "Shim6",
	IPProtoWESP:           "WESP",
	IPProtoROHC:           "ROHC",
	IPProtoEthernet:       "Ethernet",
	IPProtoNSH:            "NSH",
}

func (proto IPProto) String() string {
	if s, ok := ipProtoNames[proto]; ok {
		return s
	}
	return "IPProto(" + strconv.Itoa(int(proto)) + ")"
}

func (op ARPOp) String() string {
	switch op {
	case ARPRequest:
		return "request"
	case ARPReply:
		return "reply"
	}
	return "ARPOp(" + strconv.Itoa(int(op)) + ")"
}
