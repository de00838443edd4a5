package websocket

import "encoding/binary"

// maskBytes XORs b with key starting at key offset pos and returns the next
// offset.
func maskBytes(key [4]byte, pos int, b []byte) int {
	if len(b) >= 16 {
		var k [8]byte
		for i := range k {
			k[i] = key[(pos+i)&3]
		}
		kw := binary.LittleEndian.Uint64(k[:])

		n := len(b) / 8 * 8
		for i := 0; i < n; i += 8 {
			binary.LittleEndian.PutUint64(b[i:], binary.LittleEndian.Uint64(b[i:])^kw)
		}
		b = b[n:]
	}

	for i := range b {
		b[i] ^= key[pos&3]
		pos++
	}
	return pos & 3
}
