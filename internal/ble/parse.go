package ble

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"
)

// Notification is one raw characteristic payload as delivered by a transport.
type Notification struct {
	PeripheralID       string
	ServiceUUID        string
	CharacteristicUUID string
	Payload            []byte
}

// HeartRateReading is a parsed Heart Rate Measurement (2A37) frame.
// BPM of 0 is physiologically meaningless but not rejected here; validity
// filtering is a consumer concern.
type HeartRateReading struct {
	BPM             uint16
	ContactDetected bool
	EnergyExpendedJ *uint16
	Timestamp       time.Time
	DeviceID        string
}

// SpO2Reading is a parsed PLX Continuous Measurement frame.
type SpO2Reading struct {
	Percent      uint16
	PulseRateBPM uint16
	Timestamp    time.Time
	DeviceID     string
}

// BatteryReading is a parsed Battery Level frame.
type BatteryReading struct {
	LevelPercent uint8
	Timestamp    time.Time
	DeviceID     string
}

// StatusReading is a parsed vendor status frame (contact/confidence state).
type StatusReading struct {
	Status            uint8
	ConfidencePercent uint8
	Voltage           float64
	Charging          bool
	Timestamp         time.Time
	DeviceID          string
}

// MotionSample is one accelerometer sample out of a buffered motion batch.
// All samples of a batch share one SecondCounter.
type MotionSample struct {
	SecondCounter uint32 `json:"second_counter"`
	SampleIndex   uint8  `json:"sample_index"`
	X             int16  `json:"x"`
	Y             int16  `json:"y"`
	Z             int16  `json:"z"`
	Magnitude     uint16 `json:"magnitude"`
}

const (
	// MotionBatchSize is the fixed number of samples per buffered motion frame.
	MotionBatchSize = 20

	motionFrameLen = 4 + 3*2*MotionBatchSize // counter + X/Y/Z sample blocks

	// legacyMotionFrameLen is the old single-sample layout. Seeing it means
	// the transport negotiated too small a payload size for batched frames.
	legacyMotionFrameLen = 4 + 3*2

	// statusVoltageScale reconstructs a 0-5V range from the 16-bit scaled
	// transmission (65535 / 5).
	statusVoltageScale = 13107.0

	maxStatusCode = 3
)

// ErrLegacyMotionFrame reports a motion payload in the legacy single-sample
// size, which indicates an MTU negotiation problem rather than corruption.
var ErrLegacyMotionFrame = errors.New("legacy single-sample motion frame (payload size negotiated too small)")

// Heart Rate Measurement flag bits.
const (
	hrFlag16Bit        = 0x01
	hrFlagContactBits  = 0x06 // both sensor-contact bits set = skin contact
	hrFlagEnergyExtent = 0x08
)

// ParseHeartRate decodes a standard 2A37 frame. Byte 0 is flags: bit 0
// selects 16-bit LE vs 8-bit BPM, bits 1-2 both set signal skin contact,
// bit 3 signals a trailing 16-bit LE energy-expended field. Extra trailing
// bytes are ignored.
func ParseHeartRate(deviceID string, data []byte) (*HeartRateReading, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("heart rate frame too short: %d", len(data))
	}
	flags := data[0]

	var bpm uint16
	idx := 1
	if flags&hrFlag16Bit != 0 {
		if len(data) < 3 {
			return nil, fmt.Errorf("heart rate frame too short for 16-bit bpm: %d", len(data))
		}
		bpm = binary.LittleEndian.Uint16(data[1:3])
		idx = 3
	} else {
		bpm = uint16(data[1])
		idx = 2
	}

	r := &HeartRateReading{
		BPM:             bpm,
		ContactDetected: flags&hrFlagContactBits == hrFlagContactBits,
		Timestamp:       time.Now().UTC(),
		DeviceID:        deviceID,
	}

	if flags&hrFlagEnergyExtent != 0 {
		if len(data) < idx+2 {
			return nil, fmt.Errorf("heart rate frame too short for energy field: %d", len(data))
		}
		e := binary.LittleEndian.Uint16(data[idx : idx+2])
		r.EnergyExpendedJ = &e
	}

	return r, nil
}

// ParseSpO2 decodes a PLX continuous-measurement frame: byte 0 flags
// (unused), bytes 1-2 LE SpO2 percent, bytes 3-4 LE pulse rate.
func ParseSpO2(deviceID string, data []byte) (*SpO2Reading, error) {
	if len(data) < 5 {
		return nil, fmt.Errorf("spo2 frame too short: %d", len(data))
	}
	return &SpO2Reading{
		Percent:      binary.LittleEndian.Uint16(data[1:3]),
		PulseRateBPM: binary.LittleEndian.Uint16(data[3:5]),
		Timestamp:    time.Now().UTC(),
		DeviceID:     deviceID,
	}, nil
}

// ParseBattery decodes a Battery Level frame: a single byte, 0-100.
func ParseBattery(deviceID string, data []byte) (*BatteryReading, error) {
	if len(data) < 1 {
		return nil, errors.New("battery frame empty")
	}
	return &BatteryReading{
		LevelPercent: data[0],
		Timestamp:    time.Now().UTC(),
		DeviceID:     deviceID,
	}, nil
}

// ParseStatus decodes the vendor status frame: status code, confidence
// percent, 16-bit LE scaled voltage, charging flag byte.
func ParseStatus(deviceID string, data []byte) (*StatusReading, error) {
	if len(data) < 5 {
		return nil, fmt.Errorf("status frame too short: %d", len(data))
	}
	if data[0] > maxStatusCode {
		return nil, fmt.Errorf("invalid status code: %d", data[0])
	}
	raw := binary.LittleEndian.Uint16(data[2:4])
	return &StatusReading{
		Status:            data[0],
		ConfidencePercent: data[1],
		Voltage:           float64(raw) / statusVoltageScale,
		Charging:          data[4] != 0,
		Timestamp:         time.Now().UTC(),
		DeviceID:          deviceID,
	}, nil
}

// ParseMotionBatch decodes a fixed 124-byte buffered motion frame: bytes 0-3
// LE secondCounter, then twenty LE signed 16-bit samples each for X, Y, Z.
// Any other length is rejected; the legacy single-sample length returns
// ErrLegacyMotionFrame so callers can log the MTU problem distinctly.
func ParseMotionBatch(data []byte) ([]MotionSample, error) {
	if len(data) == legacyMotionFrameLen {
		return nil, ErrLegacyMotionFrame
	}
	if len(data) != motionFrameLen {
		return nil, fmt.Errorf("motion frame length %d, want %d", len(data), motionFrameLen)
	}

	counter := binary.LittleEndian.Uint32(data[0:4])
	const (
		xBase = 4
		yBase = xBase + 2*MotionBatchSize
		zBase = yBase + 2*MotionBatchSize
	)

	samples := make([]MotionSample, MotionBatchSize)
	for i := 0; i < MotionBatchSize; i++ {
		x := signed16(data[xBase+2*i], data[xBase+2*i+1])
		y := signed16(data[yBase+2*i], data[yBase+2*i+1])
		z := signed16(data[zBase+2*i], data[zBase+2*i+1])
		samples[i] = MotionSample{
			SecondCounter: counter,
			SampleIndex:   uint8(i),
			X:             x,
			Y:             y,
			Z:             z,
			Magnitude:     magnitude(x, y, z),
		}
	}
	return samples, nil
}

// signed16 reassembles a little-endian signed 16-bit value from two bytes.
func signed16(low, high byte) int16 {
	v := int(low) | int(high)<<8
	if v >= 32768 {
		v -= 65536
	}
	return int16(v)
}

func magnitude(x, y, z int16) uint16 {
	fx, fy, fz := float64(x), float64(y), float64(z)
	return uint16(math.Round(math.Sqrt(fx*fx + fy*fy + fz*fz)))
}
