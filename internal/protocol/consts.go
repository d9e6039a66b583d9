package protocol

import "time"

// Bluetooth service and characteristic UUIDs exposed by the ECHEX bike sensor
const (
	ServiceUUID = "0bf669f1-45f2-11e7-9598-0800200c9a66"

	// CharUUIDWrite receives command frames (handshake and polling)
	CharUUIDWrite = "0bf669f2-45f2-11e7-9598-0800200c9a66"

	// CharUUIDNotifyA emits acknowledgement/noise frames with no payload of interest
	CharUUIDNotifyA = "0bf669f3-45f2-11e7-9598-0800200c9a66"

	// CharUUIDNotifyB emits telemetry and resistance frames
	CharUUIDNotifyB = "0bf669f4-45f2-11e7-9598-0800200c9a66"
)

// DeviceNameFilter is matched as a substring of the advertised local name
const DeviceNameFilter = "ECHEX-3"

// AllCharacteristicUUIDs lists every characteristic the engine needs after discovery
var AllCharacteristicUUIDs = []string{
	CharUUIDWrite,
	CharUUIDNotifyA,
	CharUUIDNotifyB,
}

// Command frame layout: [CommandStart, opcode, numBytes, payload..., checksum]
const (
	CommandStart byte = 0xF0

	OpCodeInit      byte = 0xA1
	OpCodeInitAlt   byte = 0xA3
	OpCodePoll      byte = 0xA0
	OpCodeStartData byte = 0xB0
)

// Inbound opcodes. The long forms are four bytes and must match exactly,
// the short forms are two byte prefixes.
var (
	opTelemetryLong  = []byte{0xC3, 0xB0, 0xC3, 0x91}
	opTelemetryShort = []byte{0xF0, 0xD1}
	opResistanceLong = []byte{0xC3, 0xB0, 0xC3, 0x92}
	opResistShort    = []byte{0xF0, 0xD2}
)

// Device calibration constants
const (
	// RPMPerTenMph is the cadence that reads as 10 mph at any resistance
	RPMPerTenMph = 43.0

	// distance counter units per mile is 1860/7
	distanceNumerator   = 7.0
	distanceDenominator = 1860.0
)

// Power curve coefficients, watts = (rpm/43) * (c0 + c1*R + c2*R^2 + c3*R^3)
const (
	powerC0 = 5.734292
	powerC1 = 3.487019
	powerC2 = -0.2552567
	powerC3 = 0.01023795
)

// Default cadence of the device link
const (
	DefaultHandshakeInitialDelay = 1000 * time.Millisecond
	DefaultHandshakeStepDelay    = 200 * time.Millisecond
	DefaultPollInterval          = 1 * time.Second
)

// PollNumBytes is the declared payload length of a poll command
const PollNumBytes byte = 0x01

// FirstPollSequence is the sequence number of the first poll after the handshake
const FirstPollSequence uint8 = 1
