package ipv6

const (
	sizeHeader = 40
)

// ToS represents the Traffic Class field of the IPv6 header. It is 8 bits long.
type ToS uint8
