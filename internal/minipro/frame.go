package minipro

import (
	"encoding/binary"
	"fmt"
)

// Ninebot serial framing, carried over the vehicle's GATT UART
// characteristic:
//
//	0x55 0xAA | len | addr | cmd | reg | payload... | ck_lo ck_hi
//
// len counts cmd, reg and payload. The checksum is the 16-bit ones'
// complement of the byte sum from len through the end of the payload.
const (
	headerLo = 0x55
	headerHi = 0xAA

	// frameOverhead is header + len + addr + cmd + reg + checksum.
	frameOverhead = 8
)

// Control board address and command/register ids used by remote control.
const (
	addrControl = 0x0A

	cmdWriteReg = 0x03

	regRemoteControl = 0x7C // 1 enters remote control mode, 0 leaves it
	regDrive         = 0x7A // int16 throttle, int16 steering
)

func checksum(body []byte) uint16 {
	var sum uint32
	for _, b := range body {
		sum += uint32(b)
	}
	return uint16(sum) ^ 0xFFFF
}

// encodeFrame builds a complete wire frame for one register write.
func encodeFrame(addr, cmd, reg byte, payload []byte) []byte {
	out := make([]byte, 0, len(payload)+frameOverhead)
	out = append(out, headerLo, headerHi)
	out = append(out, byte(len(payload)+2), addr, cmd, reg)
	out = append(out, payload...)
	ck := checksum(out[2:])
	return binary.LittleEndian.AppendUint16(out, ck)
}

// decodeFrame validates header, length and checksum of a received frame and
// returns its register id and payload.
func decodeFrame(frame []byte) (reg byte, payload []byte, err error) {
	if len(frame) < frameOverhead {
		return 0, nil, fmt.Errorf("frame too short: %d bytes", len(frame))
	}
	if frame[0] != headerLo || frame[1] != headerHi {
		return 0, nil, fmt.Errorf("bad frame header: % 02x", frame[:2])
	}
	n := int(frame[2])
	if len(frame) != n+frameOverhead-2 {
		return 0, nil, fmt.Errorf("frame length mismatch: header says %d, got %d bytes", n, len(frame))
	}
	body := frame[2 : len(frame)-2]
	want := binary.LittleEndian.Uint16(frame[len(frame)-2:])
	if got := checksum(body); got != want {
		return 0, nil, fmt.Errorf("frame checksum mismatch: got 0x%04x, want 0x%04x", got, want)
	}
	return frame[5], frame[6 : len(frame)-2], nil
}

// driveFrame encodes one drive command.
func driveFrame(throttle, steering int16) []byte {
	payload := make([]byte, 4)
	binary.LittleEndian.PutUint16(payload[0:2], uint16(throttle))
	binary.LittleEndian.PutUint16(payload[2:4], uint16(steering))
	return encodeFrame(addrControl, cmdWriteReg, regDrive, payload)
}

// remoteControlFrame encodes entering (true) or leaving (false) remote
// control mode.
func remoteControlFrame(enter bool) []byte {
	payload := []byte{0x00, 0x00}
	if enter {
		payload[0] = 0x01
	}
	return encodeFrame(addrControl, cmdWriteReg, regRemoteControl, payload)
}
