package joystick

import "encoding/binary"

// The kernel joystick interface delivers fixed-size 8-byte event records:
// a millisecond timestamp, a signed 16-bit value, an event-type tag and the
// axis/button index.
const eventSize = 8

// Event type tags. EventInit is OR-ed into the type of the synthetic events
// emitted when the device is opened.
const (
	EventButton uint8 = 0x01
	EventAxis   uint8 = 0x02
	EventInit   uint8 = 0x80
)

// Event is one decoded input record.
type Event struct {
	Time   uint32
	Value  int16
	Type   uint8
	Number uint8
}

func decodeEvent(buf []byte) Event {
	return Event{
		Time:   binary.LittleEndian.Uint32(buf[0:4]),
		Value:  int16(binary.LittleEndian.Uint16(buf[4:6])),
		Type:   buf[6],
		Number: buf[7],
	}
}

// Logical axis slots. Each slot is an (x, y) pair fed by two raw axis
// numbers (the triggers share a slot: left trigger is x, right trigger y).
const (
	AxisLeftStick = iota
	AxisRightStick
	AxisTriggers
	AxisDigipad

	numSlots
)

type slotAxis struct {
	slot     int
	vertical bool
}

// axisRouting maps raw kernel axis numbers to logical slots. Raw numbers
// outside the table are ignored.
var axisRouting = map[uint8]slotAxis{
	0: {AxisLeftStick, false},
	1: {AxisLeftStick, true},
	2: {AxisTriggers, false},
	3: {AxisRightStick, false},
	4: {AxisRightStick, true},
	5: {AxisTriggers, true},
	6: {AxisDigipad, false},
	7: {AxisDigipad, true},
}
