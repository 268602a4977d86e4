package storage

import (
	"database/sql"
	_ "embed"
	"fmt"
	"log/slog"
	"time"

	"vitaltrace/internal/ble"
	"vitaltrace/internal/telemetry"
)

//go:embed sql/insert-session.sql
var insertSessionSQL string

//go:embed sql/end-session.sql
var endSessionSQL string

//go:embed sql/get-session.sql
var getSessionSQL string

//go:embed sql/get-all-sessions.sql
var getAllSessionsSQL string

//go:embed sql/get-active-sessions.sql
var getActiveSessionsSQL string

//go:embed sql/insert-vitals.sql
var insertVitalsSQL string

//go:embed sql/increment-row-count.sql
var incrementRowCountSQL string

//go:embed sql/insert-motion-sample.sql
var insertMotionSampleSQL string

//go:embed sql/get-session-vitals.sql
var getSessionVitalsSQL string

//go:embed sql/get-motion-samples.sql
var getMotionSamplesSQL string

//go:embed sql/get-motion-downsampled.sql
var getMotionDownsampledSQL string

//go:embed sql/prune-vitals.sql
var pruneVitalsSQL string

//go:embed sql/prune-motion.sql
var pruneMotionSQL string

//go:embed sql/prune-sessions.sql
var pruneSessionsSQL string

// PruneStats reports how much a retention pass removed.
type PruneStats struct {
	Sessions int64
	Vitals   int64
	Motion   int64
}

type Repository interface {
	CreateSession(s telemetry.Session) error
	EndSession(id string, endTime time.Time) error
	GetSession(id string) (*telemetry.Session, error)
	GetAllSessions() ([]telemetry.Session, error)
	GetActiveSessions() ([]telemetry.Session, error)

	InsertVitalsRow(row telemetry.VitalsRow) error
	InsertMotionBatch(sessionID string, samples []ble.MotionSample) error

	GetSessionVitals(sessionID string) ([]telemetry.VitalsRow, error)
	GetMotionSamples(sessionID string, limit, offset int) ([]ble.MotionSample, error)
	GetMotionSamplesDownsampled(sessionID string, everyNthSecond int) ([]ble.MotionSample, error)

	PruneOlderThan(days int) (PruneStats, error)
}

type repositoryImpl struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) Repository {
	return &repositoryImpl{db: db}
}

func (r *repositoryImpl) CreateSession(s telemetry.Session) error {
	_, err := r.db.Exec(insertSessionSQL,
		s.ID,
		s.StartTime.UTC().Format(time.RFC3339Nano),
		nullString(s.DeviceLabel),
		nullString(s.Notes),
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// EndSession is idempotent: ending an already-ended session matches zero
// rows and leaves end_time and row_count untouched.
func (r *repositoryImpl) EndSession(id string, endTime time.Time) error {
	_, err := r.db.Exec(endSessionSQL, endTime.UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	return nil
}

func (r *repositoryImpl) GetSession(id string) (*telemetry.Session, error) {
	row := r.db.QueryRow(getSessionSQL, id)
	s, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (r *repositoryImpl) GetAllSessions() ([]telemetry.Session, error) {
	return r.querySessions(getAllSessionsSQL)
}

func (r *repositoryImpl) GetActiveSessions() ([]telemetry.Session, error) {
	return r.querySessions(getActiveSessionsSQL)
}

func (r *repositoryImpl) querySessions(query string) ([]telemetry.Session, error) {
	rows, err := r.db.Query(query)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Error("close sessions rows", "error", err)
		}
	}()
	var out []telemetry.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

// InsertVitalsRow writes the row and bumps the owning session's row_count in
// one transaction; if the increment cannot be applied the insert fails too.
func (r *repositoryImpl) InsertVitalsRow(row telemetry.VitalsRow) error {
	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("begin vitals tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.Exec(insertVitalsSQL,
		row.SessionID,
		row.DeviceID,
		row.Timestamp.UTC().Format(time.RFC3339Nano),
		uint16Arg(row.HeartRate),
		boolArg(row.HRContact),
		uint16Arg(row.EnergyExpendedJ),
		uint16Arg(row.SpO2Percent),
		uint16Arg(row.SpO2PulseBPM),
		uint8Arg(row.BatteryLevel),
		floatArg(row.BatteryVoltage),
		uint8Arg(row.StatusCode),
		uint8Arg(row.StatusConfidence),
		boolArg(row.StatusCharging),
	)
	if err != nil {
		return fmt.Errorf("insert vitals: %w", err)
	}

	res, err := tx.Exec(incrementRowCountSQL, row.SessionID)
	if err != nil {
		return fmt.Errorf("increment row count: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("increment row count: %w", err)
	}
	if n != 1 {
		return fmt.Errorf("increment row count: session %q not found", row.SessionID)
	}

	return tx.Commit()
}

// InsertMotionBatch writes each sample of the batch as its own row, tagged
// with the shared second counter, in one transaction.
func (r *repositoryImpl) InsertMotionBatch(sessionID string, samples []ble.MotionSample) error {
	if len(samples) == 0 {
		return nil
	}
	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("begin motion tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.Prepare(insertMotionSampleSQL)
	if err != nil {
		return fmt.Errorf("prepare motion insert: %w", err)
	}
	defer func() {
		if err := stmt.Close(); err != nil {
			slog.Error("close motion stmt", "error", err)
		}
	}()

	for _, s := range samples {
		if _, err := stmt.Exec(sessionID, s.SecondCounter, s.SampleIndex, s.X, s.Y, s.Z, s.Magnitude); err != nil {
			return fmt.Errorf("insert motion sample %d/%d: %w", s.SecondCounter, s.SampleIndex, err)
		}
	}

	return tx.Commit()
}

func (r *repositoryImpl) GetSessionVitals(sessionID string) ([]telemetry.VitalsRow, error) {
	rows, err := r.db.Query(getSessionVitalsSQL, sessionID)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Error("close vitals rows", "error", err)
		}
	}()

	var out []telemetry.VitalsRow
	for rows.Next() {
		var (
			rec        telemetry.VitalsRow
			ts         string
			hr         sql.NullInt64
			hrContact  sql.NullBool
			energy     sql.NullInt64
			spo2       sql.NullInt64
			spo2Pulse  sql.NullInt64
			battery    sql.NullInt64
			voltage    sql.NullFloat64
			statusCode sql.NullInt64
			confidence sql.NullInt64
			charging   sql.NullBool
		)
		err := rows.Scan(&rec.ID, &rec.SessionID, &rec.DeviceID, &ts,
			&hr, &hrContact, &energy, &spo2, &spo2Pulse,
			&battery, &voltage, &statusCode, &confidence, &charging)
		if err != nil {
			return nil, err
		}
		rec.Timestamp, err = parseTimestamp(ts)
		if err != nil {
			return nil, err
		}
		rec.HeartRate = uint16Ptr(hr)
		rec.HRContact = boolPtr(hrContact)
		rec.EnergyExpendedJ = uint16Ptr(energy)
		rec.SpO2Percent = uint16Ptr(spo2)
		rec.SpO2PulseBPM = uint16Ptr(spo2Pulse)
		rec.BatteryLevel = uint8Ptr(battery)
		rec.BatteryVoltage = floatPtr(voltage)
		rec.StatusCode = uint8Ptr(statusCode)
		rec.StatusConfidence = uint8Ptr(confidence)
		rec.StatusCharging = boolPtr(charging)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (r *repositoryImpl) GetMotionSamples(sessionID string, limit, offset int) ([]ble.MotionSample, error) {
	if limit <= 0 {
		limit = -1 // sqlite: no limit
	}
	rows, err := r.db.Query(getMotionSamplesSQL, sessionID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Error("close motion rows", "error", err)
		}
	}()
	return scanMotionSamples(rows)
}

// GetMotionSamplesDownsampled keeps only the first sample of every Nth
// second: an intentional decimation for charting.
func (r *repositoryImpl) GetMotionSamplesDownsampled(sessionID string, everyNthSecond int) ([]ble.MotionSample, error) {
	if everyNthSecond <= 0 {
		everyNthSecond = 1
	}
	rows, err := r.db.Query(getMotionDownsampledSQL, sessionID, everyNthSecond)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Error("close downsampled motion rows", "error", err)
		}
	}()
	return scanMotionSamples(rows)
}

// PruneOlderThan removes sessions started before the cutoff along with their
// vitals and motion rows. Motion rows carry no timestamp of their own, so
// they prune by owning-session age.
func (r *repositoryImpl) PruneOlderThan(days int) (PruneStats, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -days).Format(time.RFC3339Nano)

	tx, err := r.db.Begin()
	if err != nil {
		return PruneStats{}, fmt.Errorf("begin prune tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var stats PruneStats
	for _, step := range []struct {
		query string
		dst   *int64
	}{
		{pruneVitalsSQL, &stats.Vitals},
		{pruneMotionSQL, &stats.Motion},
		{pruneSessionsSQL, &stats.Sessions},
	} {
		res, err := tx.Exec(step.query, cutoff)
		if err != nil {
			return PruneStats{}, fmt.Errorf("prune: %w", err)
		}
		if *step.dst, err = res.RowsAffected(); err != nil {
			return PruneStats{}, fmt.Errorf("prune rows affected: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return PruneStats{}, fmt.Errorf("commit prune tx: %w", err)
	}
	return stats, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*telemetry.Session, error) {
	var (
		s           telemetry.Session
		start       string
		end         sql.NullString
		deviceLabel sql.NullString
		notes       sql.NullString
	)
	if err := row.Scan(&s.ID, &start, &end, &deviceLabel, &notes, &s.RowCount, &s.IsActive); err != nil {
		return nil, err
	}
	var err error
	s.StartTime, err = parseTimestamp(start)
	if err != nil {
		return nil, err
	}
	if end.Valid {
		t, err := parseTimestamp(end.String)
		if err != nil {
			return nil, err
		}
		s.EndTime = &t
	}
	s.DeviceLabel = deviceLabel.String
	s.Notes = notes.String
	return &s, nil
}

func scanMotionSamples(rows *sql.Rows) ([]ble.MotionSample, error) {
	var out []ble.MotionSample
	for rows.Next() {
		var s ble.MotionSample
		if err := rows.Scan(&s.SecondCounter, &s.SampleIndex, &s.X, &s.Y, &s.Z, &s.Magnitude); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func parseTimestamp(ts string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		var err2 error
		t, err2 = time.Parse(time.RFC3339, ts)
		if err2 != nil {
			return time.Time{}, fmt.Errorf("parse timestamp %q: RFC3339Nano: %w; RFC3339: %w", ts, err, err2)
		}
	}
	return t, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func uint16Arg(v *uint16) any {
	if v == nil {
		return nil
	}
	return int64(*v)
}

func uint8Arg(v *uint8) any {
	if v == nil {
		return nil
	}
	return int64(*v)
}

func boolArg(v *bool) any {
	if v == nil {
		return nil
	}
	return *v
}

func floatArg(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func uint16Ptr(v sql.NullInt64) *uint16 {
	if !v.Valid {
		return nil
	}
	u := uint16(v.Int64)
	return &u
}

func uint8Ptr(v sql.NullInt64) *uint8 {
	if !v.Valid {
		return nil
	}
	u := uint8(v.Int64)
	return &u
}

func boolPtr(v sql.NullBool) *bool {
	if !v.Valid {
		return nil
	}
	b := v.Bool
	return &b
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}
