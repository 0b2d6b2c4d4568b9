package wire

import "encoding/binary"

// ByteOrder is the wire's own runtime byte-order flag, carried in every
// message header so a reader never has to guess. It is a value, not a
// compile-time choice: a single process reads and writes both orders in
// the same run, one per connection, matching whatever byte order the peer
// announced.
type ByteOrder byte

const (
	LittleEndian ByteOrder = 'l'
	BigEndian    ByteOrder = 'B'
)

// Native is the byte order busd advertises for connections it originates
// (driver replies, signals); little-endian matches the target platforms
// busd runs on.
const Native = LittleEndian

func (o ByteOrder) binary() binary.ByteOrder {
	if o == BigEndian {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

func (o ByteOrder) String() string {
	if o == BigEndian {
		return "big-endian"
	}
	return "little-endian"
}

func alignUp(pos, n int) int {
	if n <= 1 {
		return pos
	}
	rem := pos % n
	if rem == 0 {
		return pos
	}
	return pos + (n - rem)
}
