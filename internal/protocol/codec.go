package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrShortFrame is returned for a classified frame that is too short to
// hold the fields of its kind
var ErrShortFrame = errors.New("frame too short")

// byte offsets relative to the header length
const (
	telemetryTimerOffset    = 1
	telemetryDistanceOffset = 3
	telemetryRPMOffset      = 8
	telemetryChecksumOffset = 10
	telemetryMinPayload     = telemetryChecksumOffset + 1

	resistanceLevelOffset    = 1
	resistanceChecksumOffset = 2
	resistanceMinPayload     = resistanceChecksumOffset + 1
)

// TelemetryFrame holds the raw fields of a telemetry notification
type TelemetryFrame struct {
	DeclaredLength byte
	TimerSeconds   uint16
	DistanceRaw    int32
	RPM            uint8
	Checksum       byte
}

// ResistanceFrame holds the raw fields of a resistance notification
type ResistanceFrame struct {
	DeclaredLength byte
	Level          uint8
	Checksum       byte
}

// Update is the outcome of applying one frame to the running reading.
// Appended is true when the frame produced a new telemetry sample, false
// when only the resistance of the head reading changed.
type Update struct {
	Kind     FrameKind
	Reading  Reading
	Appended bool
}

func DecodeTelemetry(frame []byte, headerLen int) (TelemetryFrame, error) {
	if len(frame) < headerLen+telemetryMinPayload {
		return TelemetryFrame{}, fmt.Errorf("telemetry %s (%d bytes): %w", FormatHex(frame), len(frame), ErrShortFrame)
	}
	p := frame[headerLen:]
	return TelemetryFrame{
		DeclaredLength: p[0],
		TimerSeconds:   binary.BigEndian.Uint16(p[telemetryTimerOffset:]),
		DistanceRaw:    int32(binary.BigEndian.Uint32(p[telemetryDistanceOffset:])),
		RPM:            p[telemetryRPMOffset],
		Checksum:       p[telemetryChecksumOffset],
	}, nil
}

func DecodeResistance(frame []byte, headerLen int) (ResistanceFrame, error) {
	if len(frame) < headerLen+resistanceMinPayload {
		return ResistanceFrame{}, fmt.Errorf("resistance %s (%d bytes): %w", FormatHex(frame), len(frame), ErrShortFrame)
	}
	p := frame[headerLen:]
	return ResistanceFrame{
		DeclaredLength: p[0],
		Level:          p[resistanceLevelOffset],
		Checksum:       p[resistanceChecksumOffset],
	}, nil
}

// Apply decodes frame against the current head reading. For unclassified
// frames it returns an Update with Kind Unclassified and no error; the
// device emits noise that callers ignore. The checksum byte is read but
// not validated.
func Apply(prev Reading, frame []byte) (Update, error) {
	kind, headerLen := Classify(frame)
	switch kind {
	case Telemetry:
		t, err := DecodeTelemetry(frame, headerLen)
		if err != nil {
			return Update{Kind: kind}, err
		}
		return Update{Kind: kind, Reading: prev.Next(t), Appended: true}, nil
	case Resistance:
		r, err := DecodeResistance(frame, headerLen)
		if err != nil {
			return Update{Kind: kind}, err
		}
		next := prev
		next.Resistance = r.Level
		return Update{Kind: kind, Reading: next}, nil
	}
	return Update{Kind: Unclassified}, nil
}

// EncodeTelemetry builds a short form telemetry notification as the device
// emits it. Used by the simulated bike.
func EncodeTelemetry(timerSeconds uint16, distanceRaw int32, rpm uint8) []byte {
	frame := make([]byte, 0, len(opTelemetryShort)+telemetryMinPayload)
	frame = append(frame, opTelemetryShort...)
	frame = append(frame, telemetryMinPayload-2)
	frame = binary.BigEndian.AppendUint16(frame, timerSeconds)
	frame = binary.BigEndian.AppendUint32(frame, uint32(distanceRaw))
	frame = append(frame, 0x00, rpm, 0x00)
	return append(frame, Checksum(frame))
}

// EncodeResistance builds a short form resistance notification
func EncodeResistance(level uint8) []byte {
	frame := append([]byte{}, opResistShort...)
	frame = append(frame, 0x01, level)
	return append(frame, Checksum(frame))
}

// DistanceRawPerMile converts miles back to device distance units
func DistanceRawPerMile() float64 {
	return distanceDenominator / distanceNumerator
}
