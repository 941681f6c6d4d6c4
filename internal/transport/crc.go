package transport

const (
	crcPolynomial = 0x1021
	crcInitial    = 0xFFFF
)

// Checksum computes the CRC-16-CCITT checksum used for block writes and
// telemetry frames.
func Checksum(data []byte) uint16 {
	crc := uint16(crcInitial)
	for _, b := range data {
		crc ^= uint16(b) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = (crc << 1) ^ crcPolynomial
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}
