// Package export renders session telemetry as row-oriented CSV or JSON for
// external analysis tooling.
package export

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"vitaltrace/internal/ble"
	"vitaltrace/internal/telemetry"
)

// Column names follow the vocabulary the downstream analysis scripts expect.
var vitalsHeader = []string{
	"Timestamp",
	"Time_Since_Start_Minutes",
	"Heart_Rate_BPM",
	"HR_Contact",
	"Energy_Expended_J",
	"SpO2_Percent",
	"SpO2_Pulse_BPM",
	"Battery_Level_Percent",
	"Battery_Voltage_V",
	"Status_Code",
	"Status_Confidence_Percent",
	"Status_Charging",
}

var motionHeader = []string{
	"Second_Counter",
	"Sample_Index",
	"X",
	"Y",
	"Z",
	"Magnitude",
}

// WriteVitalsCSV writes one row per vitals record. Absent fields render as
// empty cells, not zeros.
func WriteVitalsCSV(w io.Writer, s telemetry.Session, rows []telemetry.VitalsRow) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(vitalsHeader); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	for _, r := range rows {
		minutes := r.Timestamp.Sub(s.StartTime).Minutes()
		rec := []string{
			r.Timestamp.UTC().Format("2006-01-02T15:04:05.000Z"),
			strconv.FormatFloat(minutes, 'f', 3, 64),
			uint16Cell(r.HeartRate),
			boolCell(r.HRContact),
			uint16Cell(r.EnergyExpendedJ),
			uint16Cell(r.SpO2Percent),
			uint16Cell(r.SpO2PulseBPM),
			uint8Cell(r.BatteryLevel),
			floatCell(r.BatteryVoltage),
			uint8Cell(r.StatusCode),
			uint8Cell(r.StatusConfidence),
			boolCell(r.StatusCharging),
		}
		if err := cw.Write(rec); err != nil {
			return fmt.Errorf("write csv row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteMotionCSV writes one row per motion sample.
func WriteMotionCSV(w io.Writer, samples []ble.MotionSample) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(motionHeader); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	for _, s := range samples {
		rec := []string{
			strconv.FormatUint(uint64(s.SecondCounter), 10),
			strconv.FormatUint(uint64(s.SampleIndex), 10),
			strconv.FormatInt(int64(s.X), 10),
			strconv.FormatInt(int64(s.Y), 10),
			strconv.FormatInt(int64(s.Z), 10),
			strconv.FormatUint(uint64(s.Magnitude), 10),
		}
		if err := cw.Write(rec); err != nil {
			return fmt.Errorf("write csv row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// SessionExport bundles everything a JSON consumer needs for one session.
type SessionExport struct {
	Session telemetry.Session     `json:"session"`
	Vitals  []telemetry.VitalsRow `json:"vitals"`
	Motion  []ble.MotionSample    `json:"motion"`
}

func WriteSessionJSON(w io.Writer, e SessionExport) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(e)
}

func uint16Cell(v *uint16) string {
	if v == nil {
		return ""
	}
	return strconv.FormatUint(uint64(*v), 10)
}

func uint8Cell(v *uint8) string {
	if v == nil {
		return ""
	}
	return strconv.FormatUint(uint64(*v), 10)
}

func boolCell(v *bool) string {
	if v == nil {
		return ""
	}
	return strconv.FormatBool(*v)
}

func floatCell(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', 4, 64)
}
