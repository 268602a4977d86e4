package telemetry

import (
	"time"

	"vitaltrace/internal/ble"
)

// CycleBuffer coalesces the wearable's slow-rate readings (heart rate, SpO2,
// battery, status) into one row per notification cycle. The device's known
// emission order is HR → SpO2 → Battery, repeating; battery is the terminal
// event of a cycle. The buffer exists only while a session is active and all
// mutation happens synchronously in notification arrival order.
type CycleBuffer struct {
	sessionID string
	deviceID  string

	pendingHeartRate *ble.HeartRateReading
	pendingSpO2      *ble.SpO2Reading
	pendingBattery   *ble.BatteryReading
	pendingStatus    *ble.StatusReading

	receivedHR      bool
	receivedSpO2    bool
	receivedBattery bool
}

// Flush is one materialized cycle. Missed lists the expected readings that
// never arrived before a forced flush; it is diagnostics only.
type Flush struct {
	Row    VitalsRow
	Missed []string
}

func NewCycleBuffer(sessionID, deviceID string) *CycleBuffer {
	return &CycleBuffer{sessionID: sessionID, deviceID: deviceID}
}

// AddHeartRate accumulates a heart-rate reading. A second HR before the
// previous cycle closed means the device skipped notifications (reset,
// dropped notification, backgrounding); the stale cycle is flushed first
// with its missing fields reported.
func (b *CycleBuffer) AddHeartRate(r *ble.HeartRateReading) []Flush {
	var out []Flush
	if b.receivedHR {
		var missed []string
		if !b.receivedSpO2 {
			missed = append(missed, "spo2")
		}
		if !b.receivedBattery {
			missed = append(missed, "battery")
		}
		if f := b.flush(missed); f != nil {
			out = append(out, *f)
		}
	}
	b.pendingHeartRate = r
	b.receivedHR = true
	return out
}

// AddSpO2 accumulates an SpO2 reading. SpO2 arriving when battery was
// already seen but HR was not is the stale tail of a previous cycle; flush
// it before starting fresh.
func (b *CycleBuffer) AddSpO2(r *ble.SpO2Reading) []Flush {
	var out []Flush
	if !b.receivedHR && b.receivedBattery {
		if f := b.flush([]string{"heart_rate"}); f != nil {
			out = append(out, *f)
		}
	}
	b.pendingSpO2 = r
	b.receivedSpO2 = true
	return out
}

// AddBattery records the battery reading and closes the cycle
// unconditionally, whatever else arrived.
func (b *CycleBuffer) AddBattery(r *ble.BatteryReading) []Flush {
	b.pendingBattery = r
	b.receivedBattery = true
	if f := b.flush(nil); f != nil {
		return []Flush{*f}
	}
	return nil
}

// AddStatus attaches the device status to whatever row flushes next; status
// never triggers a flush by itself.
func (b *CycleBuffer) AddStatus(r *ble.StatusReading) {
	b.pendingStatus = r
}

// Drain flushes any partial cycle, for session end or connection drop. The
// last readings must not be lost silently.
func (b *CycleBuffer) Drain() *Flush {
	return b.flush(nil)
}

// flush materializes the pending state into one row and resets the buffer.
// Returns nil when there is nothing to write.
func (b *CycleBuffer) flush(missed []string) *Flush {
	row := VitalsRow{
		SessionID: b.sessionID,
		DeviceID:  b.deviceID,
		Timestamp: time.Now().UTC(),
	}
	if hr := b.pendingHeartRate; hr != nil {
		row.HeartRate = &hr.BPM
		row.HRContact = &hr.ContactDetected
		row.EnergyExpendedJ = hr.EnergyExpendedJ
		row.Timestamp = hr.Timestamp
	}
	if sp := b.pendingSpO2; sp != nil {
		row.SpO2Percent = &sp.Percent
		row.SpO2PulseBPM = &sp.PulseRateBPM
	}
	if bat := b.pendingBattery; bat != nil {
		row.BatteryLevel = &bat.LevelPercent
	}
	if st := b.pendingStatus; st != nil {
		row.StatusCode = &st.Status
		row.StatusConfidence = &st.ConfidencePercent
		row.BatteryVoltage = &st.Voltage
		row.StatusCharging = &st.Charging
	}

	b.reset()

	if row.Empty() {
		return nil
	}
	return &Flush{Row: row, Missed: missed}
}

func (b *CycleBuffer) reset() {
	b.pendingHeartRate = nil
	b.pendingSpO2 = nil
	b.pendingBattery = nil
	b.pendingStatus = nil
	b.receivedHR = false
	b.receivedSpO2 = false
	b.receivedBattery = false
}
