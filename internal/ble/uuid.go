package ble

import "strings"

// Bluetooth SIG base UUID suffix; a 16-bit UUID XXXX expands to
// 0000XXXX-0000-1000-8000-00805F9B34FB.
const sigBaseSuffix = "-0000-1000-8000-00805f9b34fb"

// Standard GATT characteristics the wearable notifies on.
const (
	CharHeartRateMeasurement = "00002a37" + sigBaseSuffix
	CharPLXContinuous        = "00002a5f" + sigBaseSuffix
	CharBatteryLevel         = "00002a19" + sigBaseSuffix
)

// Vendor service and characteristics (device status and buffered motion).
const (
	ServiceVendor    = "7a8c0001-5f2e-4d3b-9b1a-2f6c3d4e5f60"
	CharVendorStatus = "7a8c0002-5f2e-4d3b-9b1a-2f6c3d4e5f60"
	CharVendorMotion = "7a8c0003-5f2e-4d3b-9b1a-2f6c3d4e5f60"
)

// NormalizeUUID lowercases a UUID string and expands a bare 16-bit UUID into
// its 128-bit SIG form so comparisons are stable across transports.
func NormalizeUUID(u string) string {
	u = strings.ToLower(strings.TrimSpace(u))
	if len(u) == 4 {
		return "0000" + u + sigBaseSuffix
	}
	return u
}

// EqualUUID compares two UUIDs case-insensitively, treating a 16-bit UUID as
// equal to its 128-bit expansion.
func EqualUUID(a, b string) bool {
	return NormalizeUUID(a) == NormalizeUUID(b)
}

// FrameKind identifies which parser a characteristic's payload belongs to.
type FrameKind int

const (
	KindUnknown FrameKind = iota
	KindHeartRate
	KindSpO2
	KindBattery
	KindStatus
	KindMotion
)

func (k FrameKind) String() string {
	switch k {
	case KindHeartRate:
		return "heart_rate"
	case KindSpO2:
		return "spo2"
	case KindBattery:
		return "battery"
	case KindStatus:
		return "status"
	case KindMotion:
		return "motion"
	default:
		return "unknown"
	}
}

// KindFor maps a characteristic UUID to its frame kind.
func KindFor(characteristicUUID string) FrameKind {
	switch NormalizeUUID(characteristicUUID) {
	case CharHeartRateMeasurement:
		return KindHeartRate
	case CharPLXContinuous:
		return KindSpO2
	case CharBatteryLevel:
		return KindBattery
	case CharVendorStatus:
		return KindStatus
	case CharVendorMotion:
		return KindMotion
	default:
		return KindUnknown
	}
}
