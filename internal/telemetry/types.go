package telemetry

import "time"

// Session groups every reading captured between one device connect and the
// matching disconnect (or explicit stop).
type Session struct {
	ID          string     `json:"id"`
	StartTime   time.Time  `json:"start_time"`
	EndTime     *time.Time `json:"end_time,omitempty"`
	DeviceLabel string     `json:"device_label,omitempty"`
	Notes       string     `json:"notes,omitempty"`
	RowCount    int        `json:"row_count"`
	IsActive    bool       `json:"is_active"`
}

// VitalsRow is one persisted cycle flush: the union of whichever slow-rate
// readings arrived in that cycle. Absent fields stay nil, never zero.
type VitalsRow struct {
	ID               int64     `json:"id"`
	SessionID        string    `json:"session_id"`
	DeviceID         string    `json:"device_id"`
	Timestamp        time.Time `json:"timestamp"`
	HeartRate        *uint16   `json:"heart_rate,omitempty"`
	HRContact        *bool     `json:"hr_contact,omitempty"`
	EnergyExpendedJ  *uint16   `json:"energy_expended_j,omitempty"`
	SpO2Percent      *uint16   `json:"spo2_value,omitempty"`
	SpO2PulseBPM     *uint16   `json:"spo2_pulse,omitempty"`
	BatteryLevel     *uint8    `json:"battery_level,omitempty"`
	BatteryVoltage   *float64  `json:"battery_voltage,omitempty"`
	StatusCode       *uint8    `json:"status_code,omitempty"`
	StatusConfidence *uint8    `json:"status_confidence,omitempty"`
	StatusCharging   *bool     `json:"status_charging,omitempty"`
}

// Empty reports whether no reading of any kind is present; empty rows are
// never written.
func (r VitalsRow) Empty() bool {
	return r.HeartRate == nil &&
		r.SpO2Percent == nil &&
		r.BatteryLevel == nil &&
		r.StatusCode == nil
}
