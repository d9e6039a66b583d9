package protocol

import "time"

// Checksum is the 8-bit additive checksum used by the device, each byte is
// reduced mod 256 before it is summed and the sum wraps at 256
func Checksum(data []byte) byte {
	var sum byte
	for _, b := range data {
		sum += b
	}
	return sum
}

// EncodeCommand builds [CommandStart, opcode, len(payload), payload..., checksum]
func EncodeCommand(opcode byte, payload ...byte) []byte {
	frame := make([]byte, 0, len(payload)+4)
	frame = append(frame, CommandStart, opcode, byte(len(payload)))
	frame = append(frame, payload...)
	return append(frame, Checksum(frame))
}

// PollCommand builds the periodic poll frame [F0 A0 01 seq checksum]
func PollCommand(seq uint8) []byte {
	return EncodeCommand(OpCodePoll, seq)
}

// HandshakeStep is one frame of the unlock sequence and the delay that
// precedes it
type HandshakeStep struct {
	Delay time.Duration
	Frame []byte
}

// Timing controls the cadence of the device link. Tests shrink it, the
// engine always uses DefaultTiming.
type Timing struct {
	HandshakeInitialDelay time.Duration
	HandshakeStepDelay    time.Duration
	PollInterval          time.Duration
}

func DefaultTiming() Timing {
	return Timing{
		HandshakeInitialDelay: DefaultHandshakeInitialDelay,
		HandshakeStepDelay:    DefaultHandshakeStepDelay,
		PollInterval:          DefaultPollInterval,
	}
}

// Handshake returns the seven frame sequence that unlocks the data
// characteristics. The device only accepts it with this exact cadence.
func (t Timing) Handshake() []HandshakeStep {
	frames := [][]byte{
		EncodeCommand(OpCodeInit),
		EncodeCommand(OpCodeInit),
		EncodeCommand(OpCodeInit),
		EncodeCommand(OpCodeInit),
		EncodeCommand(OpCodeInitAlt),
		EncodeCommand(OpCodeInit),
		EncodeCommand(OpCodeStartData, 0x01),
	}
	steps := make([]HandshakeStep, len(frames))
	for i, f := range frames {
		delay := t.HandshakeStepDelay
		if i == 0 {
			delay = t.HandshakeInitialDelay
		}
		steps[i] = HandshakeStep{Delay: delay, Frame: f}
	}
	return steps
}

// Sequence is the wrapping poll counter for one telemetry loop
type Sequence struct {
	next uint8
}

func NewSequence() *Sequence {
	return &Sequence{next: FirstPollSequence}
}

// Next returns the current value and advances, wrapping at 256
func (s *Sequence) Next() uint8 {
	v := s.next
	s.next++
	return v
}
