package modbus

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// Modbus RTU function codes understood by this client.
const (
	fnReadHolding   byte = 0x03
	fnWriteSingle   byte = 0x06
	fnWriteMultiple byte = 0x10

	exceptionBit byte = 0x80
)

// crc16 computes the CRC-16/Modbus of data (poly 0xA001, init 0xFFFF).
func crc16(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc ^= uint16(b)
		for i := 0; i < 8; i++ {
			if crc&0x0001 != 0 {
				crc = (crc >> 1) ^ 0xA001
			} else {
				crc >>= 1
			}
		}
	}
	return crc
}

// appendCRC appends the frame's CRC in the wire order (low byte first).
func appendCRC(frame []byte) []byte {
	crc := crc16(frame)
	return append(frame, byte(crc&0xFF), byte(crc>>8))
}

// checkCRC validates the trailing two CRC bytes of a complete frame.
func checkCRC(frame []byte) bool {
	if len(frame) < 4 {
		return false
	}
	body, tail := frame[:len(frame)-2], frame[len(frame)-2:]
	crc := crc16(body)
	return tail[0] == byte(crc&0xFF) && tail[1] == byte(crc>>8)
}

func readHoldingRequest(slave byte, addr, count uint16) []byte {
	frame := make([]byte, 6)
	frame[0] = slave
	frame[1] = fnReadHolding
	binary.BigEndian.PutUint16(frame[2:], addr)
	binary.BigEndian.PutUint16(frame[4:], count)
	return appendCRC(frame)
}

func writeSingleRequest(slave byte, addr, value uint16) []byte {
	frame := make([]byte, 6)
	frame[0] = slave
	frame[1] = fnWriteSingle
	binary.BigEndian.PutUint16(frame[2:], addr)
	binary.BigEndian.PutUint16(frame[4:], value)
	return appendCRC(frame)
}

func writeMultipleRequest(slave byte, addr uint16, values []uint16) []byte {
	frame := make([]byte, 7+2*len(values))
	frame[0] = slave
	frame[1] = fnWriteMultiple
	binary.BigEndian.PutUint16(frame[2:], addr)
	binary.BigEndian.PutUint16(frame[4:], uint16(len(values)))
	frame[6] = byte(2 * len(values))
	for i, v := range values {
		binary.BigEndian.PutUint16(frame[7+2*i:], v)
	}
	return appendCRC(frame)
}

// decodeReadResponse extracts register values from a validated 0x03 response body.
func decodeReadResponse(frame []byte, count uint16) ([]uint16, error) {
	byteCount := int(frame[2])
	if byteCount != 2*int(count) || len(frame) != 3+byteCount+2 {
		return nil, errors.Errorf("unexpected read response length %d for %d registers", len(frame), count)
	}
	values := make([]uint16, count)
	for i := range values {
		values[i] = binary.BigEndian.Uint16(frame[3+2*i:])
	}
	return values, nil
}
