package transport

// crc16 computes the CRC-16 used by the bridge wire format: polynomial
// 0x1021, initial value 0, MSB-first, no reflection and no final XOR.
func crc16(p []byte) uint16 {
	var crc uint16
	for _, b := range p {
		crc ^= uint16(b) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ 0x1021
			} else {
				crc <<= 1
			}
		}
	}

	return crc
}

// appendCRC appends the little-endian CRC trailer to payload.
func appendCRC(payload []byte) []byte {
	crc := crc16(payload)
	out := make([]byte, 0, len(payload)+2)
	out = append(out, payload...)
	out = append(out, byte(crc&0xFF), byte(crc>>8))

	return out
}

// checkCRC verifies the trailing little-endian CRC of frame and returns
// the payload with the trailer stripped.
func checkCRC(frame []byte) ([]byte, bool) {
	if len(frame) < 2 {
		return nil, false
	}
	payload := frame[:len(frame)-2]
	got := uint16(frame[len(frame)-2]) | uint16(frame[len(frame)-1])<<8

	return payload, crc16(payload) == got
}
