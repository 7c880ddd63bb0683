// Package mpegts reads and writes the single-program MPEG-TS streams reel
// records. The Writer packetizes access units with periodic PAT/PMT, PCR
// and random-access flags on keyframes; the Reader walks a stream back
// into tables and reassembled PES payloads for inspection.
package mpegts

const (
	packetSize = 188
	syncByte   = 0x47

	pidPAT     = 0x0000
	tableIDPAT = 0x00
	tableIDPMT = 0x02
)

// crcTable drives the MPEG-2 CRC-32 (polynomial 0x04C11DB7, MSB first,
// no final xor) that guards PSI sections.
var crcTable = func() (t [256]uint32) {
	for i := range t {
		c := uint32(i) << 24
		for range 8 {
			if c&0x80000000 != 0 {
				c = c<<1 ^ 0x04C11DB7
			} else {
				c <<= 1
			}
		}
		t[i] = c
	}
	return t
}()

// sectionCRC returns the CRC of b. Over a whole section, trailing CRC
// included, it is zero.
func sectionCRC(b []byte) uint32 {
	c := ^uint32(0)
	for _, v := range b {
		c = c<<8 ^ crcTable[byte(c>>24)^v]
	}
	return c
}

// readTimestamp decodes the 33-bit PTS/DTS packed into five PES header
// bytes around marker bits.
func readTimestamp(b []byte) int64 {
	return int64(b[0]>>1&0x07)<<30 |
		int64(b[1])<<22 |
		int64(b[2]>>1)<<15 |
		int64(b[3])<<7 |
		int64(b[4]>>1)
}

// readPCR decodes the 33-bit base of an adaptation field PCR; the 27 MHz
// extension is ignored.
func readPCR(b []byte) int64 {
	return int64(b[0])<<25 | int64(b[1])<<17 | int64(b[2])<<9 | int64(b[3])<<1 | int64(b[4]>>7)
}
