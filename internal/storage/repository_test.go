package storage

import (
	"database/sql"
	"testing"
	"time"

	"vitaltrace/internal/ble"
	"vitaltrace/internal/db"
	"vitaltrace/internal/telemetry"

	_ "github.com/mattn/go-sqlite3"
)

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	conn, err := sql.Open("sqlite3", "file::memory:?_foreign_keys=on")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	// In-memory databases exist per connection.
	conn.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = conn.Close() })

	if err := db.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return conn
}

func mustCreateSession(t *testing.T, repo Repository, id string, start time.Time) {
	t.Helper()
	err := repo.CreateSession(telemetry.Session{
		ID:          id,
		StartTime:   start,
		DeviceLabel: "wrist-unit",
	})
	if err != nil {
		t.Fatalf("create session %s: %v", id, err)
	}
}

func uint16p(v uint16) *uint16 { return &v }
func uint8p(v uint8) *uint8    { return &v }
func boolp(v bool) *bool       { return &v }
func floatp(v float64) *float64 {
	return &v
}

func TestSessionRoundtrip(t *testing.T) {
	conn := setupTestDB(t)
	repo := NewRepository(conn)

	start := time.Date(2026, 3, 14, 9, 26, 53, 589000000, time.UTC)
	mustCreateSession(t, repo, "sess-1", start)

	s, err := repo.GetSession("sess-1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if s == nil {
		t.Fatal("get session = nil, want session")
	}
	if !s.StartTime.Equal(start) {
		t.Errorf("StartTime = %v, want %v", s.StartTime, start)
	}
	if !s.IsActive {
		t.Error("IsActive = false, want true")
	}
	if s.EndTime != nil {
		t.Errorf("EndTime = %v, want nil", s.EndTime)
	}
	if s.DeviceLabel != "wrist-unit" {
		t.Errorf("DeviceLabel = %q, want wrist-unit", s.DeviceLabel)
	}
	if s.RowCount != 0 {
		t.Errorf("RowCount = %d, want 0", s.RowCount)
	}
}

func TestGetSession_NotFound(t *testing.T) {
	conn := setupTestDB(t)
	repo := NewRepository(conn)

	s, err := repo.GetSession("missing")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if s != nil {
		t.Fatalf("get session = %+v, want nil", s)
	}
}

func TestEndSession_Idempotent(t *testing.T) {
	conn := setupTestDB(t)
	repo := NewRepository(conn)
	mustCreateSession(t, repo, "sess-1", time.Now().UTC())

	first := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	if err := repo.EndSession("sess-1", first); err != nil {
		t.Fatalf("end session: %v", err)
	}

	// A second end must not move end_time.
	later := first.Add(time.Hour)
	if err := repo.EndSession("sess-1", later); err != nil {
		t.Fatalf("second end session: %v", err)
	}

	s, err := repo.GetSession("sess-1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if s.IsActive {
		t.Error("IsActive = true after end")
	}
	if s.EndTime == nil || !s.EndTime.Equal(first) {
		t.Errorf("EndTime = %v, want %v", s.EndTime, first)
	}
}

func TestGetActiveSessions(t *testing.T) {
	conn := setupTestDB(t)
	repo := NewRepository(conn)

	mustCreateSession(t, repo, "sess-1", time.Now().UTC().Add(-time.Hour))
	mustCreateSession(t, repo, "sess-2", time.Now().UTC())
	if err := repo.EndSession("sess-1", time.Now().UTC()); err != nil {
		t.Fatalf("end session: %v", err)
	}

	active, err := repo.GetActiveSessions()
	if err != nil {
		t.Fatalf("get active sessions: %v", err)
	}
	if len(active) != 1 || active[0].ID != "sess-2" {
		t.Fatalf("active sessions = %+v, want [sess-2]", active)
	}

	all, err := repo.GetAllSessions()
	if err != nil {
		t.Fatalf("get all sessions: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("all sessions = %d, want 2", len(all))
	}
	// Newest first.
	if all[0].ID != "sess-2" {
		t.Errorf("first session = %s, want sess-2", all[0].ID)
	}
}

func TestInsertVitalsRow_BumpsRowCount(t *testing.T) {
	conn := setupTestDB(t)
	repo := NewRepository(conn)
	mustCreateSession(t, repo, "sess-1", time.Now().UTC())

	// Motion batches interleave with the vitals inserts; only vitals rows
	// count toward row_count.
	for i := 0; i < 3; i++ {
		if err := repo.InsertMotionBatch("sess-1", motionBatch(uint32(2*i))); err != nil {
			t.Fatalf("insert motion batch %d: %v", 2*i, err)
		}
		row := telemetry.VitalsRow{
			SessionID:    "sess-1",
			DeviceID:     "dev-1",
			Timestamp:    time.Now().UTC(),
			HeartRate:    uint16p(70 + uint16(i)),
			HRContact:    boolp(true),
			SpO2Percent:  uint16p(97),
			SpO2PulseBPM: uint16p(71),
			BatteryLevel: uint8p(80),
		}
		if err := repo.InsertVitalsRow(row); err != nil {
			t.Fatalf("insert vitals %d: %v", i, err)
		}
		if err := repo.InsertMotionBatch("sess-1", motionBatch(uint32(2*i+1))); err != nil {
			t.Fatalf("insert motion batch %d: %v", 2*i+1, err)
		}
	}

	s, err := repo.GetSession("sess-1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if s.RowCount != 3 {
		t.Errorf("RowCount = %d, want 3", s.RowCount)
	}
}

func TestInsertMotionBatch_DoesNotTouchRowCount(t *testing.T) {
	conn := setupTestDB(t)
	repo := NewRepository(conn)
	mustCreateSession(t, repo, "sess-1", time.Now().UTC())

	for counter := uint32(0); counter < 5; counter++ {
		if err := repo.InsertMotionBatch("sess-1", motionBatch(counter)); err != nil {
			t.Fatalf("insert batch %d: %v", counter, err)
		}
	}

	s, err := repo.GetSession("sess-1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if s.RowCount != 0 {
		t.Errorf("RowCount = %d, want 0 (motion must not count)", s.RowCount)
	}
}

func TestInsertVitalsRow_UnknownSessionFails(t *testing.T) {
	conn := setupTestDB(t)
	repo := NewRepository(conn)

	row := telemetry.VitalsRow{
		SessionID: "missing",
		DeviceID:  "dev-1",
		Timestamp: time.Now().UTC(),
		HeartRate: uint16p(70),
	}
	if err := repo.InsertVitalsRow(row); err == nil {
		t.Fatal("insert into unknown session succeeded, want error")
	}

	// The transaction must have rolled back the vitals insert too.
	var n int
	if err := conn.QueryRow("SELECT COUNT(*) FROM vitals").Scan(&n); err != nil {
		t.Fatalf("count vitals: %v", err)
	}
	if n != 0 {
		t.Errorf("vitals rows = %d, want 0 after rollback", n)
	}
}

func TestVitalsRoundtrip_OptionalFields(t *testing.T) {
	conn := setupTestDB(t)
	repo := NewRepository(conn)
	mustCreateSession(t, repo, "sess-1", time.Now().UTC())

	ts := time.Date(2026, 3, 14, 9, 30, 0, 123456000, time.UTC)
	full := telemetry.VitalsRow{
		SessionID:        "sess-1",
		DeviceID:         "dev-1",
		Timestamp:        ts,
		HeartRate:        uint16p(75),
		HRContact:        boolp(true),
		EnergyExpendedJ:  uint16p(300),
		SpO2Percent:      uint16p(97),
		SpO2PulseBPM:     uint16p(74),
		BatteryLevel:     uint8p(81),
		BatteryVoltage:   floatp(3.91),
		StatusCode:       uint8p(2),
		StatusConfidence: uint8p(95),
		StatusCharging:   boolp(false),
	}
	sparse := telemetry.VitalsRow{
		SessionID:    "sess-1",
		DeviceID:     "dev-1",
		Timestamp:    ts.Add(time.Second),
		BatteryLevel: uint8p(80),
	}
	if err := repo.InsertVitalsRow(full); err != nil {
		t.Fatalf("insert full row: %v", err)
	}
	if err := repo.InsertVitalsRow(sparse); err != nil {
		t.Fatalf("insert sparse row: %v", err)
	}

	rows, err := repo.GetSessionVitals("sess-1")
	if err != nil {
		t.Fatalf("get vitals: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("vitals rows = %d, want 2", len(rows))
	}

	// Newest first: the sparse row leads.
	if rows[0].HeartRate != nil {
		t.Errorf("sparse HeartRate = %v, want nil", *rows[0].HeartRate)
	}
	if rows[0].BatteryLevel == nil || *rows[0].BatteryLevel != 80 {
		t.Errorf("sparse BatteryLevel = %v, want 80", rows[0].BatteryLevel)
	}

	got := rows[1]
	if !got.Timestamp.Equal(ts) {
		t.Errorf("Timestamp = %v, want %v", got.Timestamp, ts)
	}
	if got.HeartRate == nil || *got.HeartRate != 75 {
		t.Errorf("HeartRate = %v, want 75", got.HeartRate)
	}
	if got.HRContact == nil || !*got.HRContact {
		t.Errorf("HRContact = %v, want true", got.HRContact)
	}
	if got.EnergyExpendedJ == nil || *got.EnergyExpendedJ != 300 {
		t.Errorf("EnergyExpendedJ = %v, want 300", got.EnergyExpendedJ)
	}
	if got.BatteryVoltage == nil || *got.BatteryVoltage != 3.91 {
		t.Errorf("BatteryVoltage = %v, want 3.91", got.BatteryVoltage)
	}
	if got.StatusCharging == nil || *got.StatusCharging {
		t.Errorf("StatusCharging = %v, want false", got.StatusCharging)
	}
}

func motionBatch(counter uint32) []ble.MotionSample {
	samples := make([]ble.MotionSample, ble.MotionBatchSize)
	for i := range samples {
		samples[i] = ble.MotionSample{
			SecondCounter: counter,
			SampleIndex:   uint8(i),
			X:             int16(i),
			Y:             int16(-i),
			Z:             0,
			Magnitude:     uint16(i),
		}
	}
	return samples
}

func TestInsertMotionBatch_Roundtrip(t *testing.T) {
	conn := setupTestDB(t)
	repo := NewRepository(conn)
	mustCreateSession(t, repo, "sess-1", time.Now().UTC())

	for counter := uint32(0); counter < 3; counter++ {
		if err := repo.InsertMotionBatch("sess-1", motionBatch(counter)); err != nil {
			t.Fatalf("insert batch %d: %v", counter, err)
		}
	}

	samples, err := repo.GetMotionSamples("sess-1", 0, 0)
	if err != nil {
		t.Fatalf("get motion samples: %v", err)
	}
	if len(samples) != 3*ble.MotionBatchSize {
		t.Fatalf("samples = %d, want %d", len(samples), 3*ble.MotionBatchSize)
	}
	// Ordered by counter, then index.
	for i, s := range samples {
		wantCounter := uint32(i / ble.MotionBatchSize)
		wantIndex := uint8(i % ble.MotionBatchSize)
		if s.SecondCounter != wantCounter || s.SampleIndex != wantIndex {
			t.Fatalf("sample %d = (%d,%d), want (%d,%d)",
				i, s.SecondCounter, s.SampleIndex, wantCounter, wantIndex)
		}
	}
	if samples[25].Y != -5 {
		t.Errorf("sample 25 Y = %d, want -5", samples[25].Y)
	}
}

func TestInsertMotionBatch_DuplicateCounterRejected(t *testing.T) {
	conn := setupTestDB(t)
	repo := NewRepository(conn)
	mustCreateSession(t, repo, "sess-1", time.Now().UTC())

	if err := repo.InsertMotionBatch("sess-1", motionBatch(4)); err != nil {
		t.Fatalf("insert batch: %v", err)
	}
	if err := repo.InsertMotionBatch("sess-1", motionBatch(4)); err == nil {
		t.Fatal("duplicate batch succeeded, want unique index violation")
	}

	samples, err := repo.GetMotionSamples("sess-1", 0, 0)
	if err != nil {
		t.Fatalf("get motion samples: %v", err)
	}
	if len(samples) != ble.MotionBatchSize {
		t.Fatalf("samples = %d, want %d (duplicate rolled back)", len(samples), ble.MotionBatchSize)
	}
}

func TestGetMotionSamples_LimitOffset(t *testing.T) {
	conn := setupTestDB(t)
	repo := NewRepository(conn)
	mustCreateSession(t, repo, "sess-1", time.Now().UTC())

	for counter := uint32(0); counter < 2; counter++ {
		if err := repo.InsertMotionBatch("sess-1", motionBatch(counter)); err != nil {
			t.Fatalf("insert batch: %v", err)
		}
	}

	samples, err := repo.GetMotionSamples("sess-1", 5, 18)
	if err != nil {
		t.Fatalf("get motion samples: %v", err)
	}
	if len(samples) != 5 {
		t.Fatalf("samples = %d, want 5", len(samples))
	}
	// Offset 18 lands on samples (0,18), (0,19), (1,0), (1,1), (1,2).
	if samples[0].SecondCounter != 0 || samples[0].SampleIndex != 18 {
		t.Errorf("first = (%d,%d), want (0,18)", samples[0].SecondCounter, samples[0].SampleIndex)
	}
	if samples[2].SecondCounter != 1 || samples[2].SampleIndex != 0 {
		t.Errorf("third = (%d,%d), want (1,0)", samples[2].SecondCounter, samples[2].SampleIndex)
	}
}

func TestGetMotionSamplesDownsampled(t *testing.T) {
	conn := setupTestDB(t)
	repo := NewRepository(conn)
	mustCreateSession(t, repo, "sess-1", time.Now().UTC())

	for counter := uint32(0); counter < 25; counter++ {
		if err := repo.InsertMotionBatch("sess-1", motionBatch(counter)); err != nil {
			t.Fatalf("insert batch %d: %v", counter, err)
		}
	}

	samples, err := repo.GetMotionSamplesDownsampled("sess-1", 10)
	if err != nil {
		t.Fatalf("downsample: %v", err)
	}
	// Counters 0, 10, 20; first sample of each second only.
	if len(samples) != 3 {
		t.Fatalf("samples = %d, want 3", len(samples))
	}
	for i, want := range []uint32{0, 10, 20} {
		if samples[i].SecondCounter != want || samples[i].SampleIndex != 0 {
			t.Errorf("sample %d = (%d,%d), want (%d,0)",
				i, samples[i].SecondCounter, samples[i].SampleIndex, want)
		}
	}
}

func TestPruneOlderThan(t *testing.T) {
	conn := setupTestDB(t)
	repo := NewRepository(conn)

	old := time.Now().UTC().AddDate(0, 0, -30)
	mustCreateSession(t, repo, "old-sess", old)
	mustCreateSession(t, repo, "new-sess", time.Now().UTC())

	oldRow := telemetry.VitalsRow{SessionID: "old-sess", DeviceID: "dev-1", Timestamp: old, HeartRate: uint16p(70)}
	if err := repo.InsertVitalsRow(oldRow); err != nil {
		t.Fatalf("insert old vitals: %v", err)
	}
	if err := repo.InsertMotionBatch("old-sess", motionBatch(0)); err != nil {
		t.Fatalf("insert old motion: %v", err)
	}
	newRow := telemetry.VitalsRow{SessionID: "new-sess", DeviceID: "dev-1", Timestamp: time.Now().UTC(), HeartRate: uint16p(71)}
	if err := repo.InsertVitalsRow(newRow); err != nil {
		t.Fatalf("insert new vitals: %v", err)
	}

	stats, err := repo.PruneOlderThan(14)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if stats.Sessions != 1 {
		t.Errorf("pruned sessions = %d, want 1", stats.Sessions)
	}
	if stats.Vitals != 1 {
		t.Errorf("pruned vitals = %d, want 1", stats.Vitals)
	}
	if stats.Motion != int64(ble.MotionBatchSize) {
		t.Errorf("pruned motion = %d, want %d", stats.Motion, ble.MotionBatchSize)
	}

	s, err := repo.GetSession("old-sess")
	if err != nil {
		t.Fatalf("get old session: %v", err)
	}
	if s != nil {
		t.Error("old session survived prune")
	}
	kept, err := repo.GetSessionVitals("new-sess")
	if err != nil {
		t.Fatalf("get new vitals: %v", err)
	}
	if len(kept) != 1 {
		t.Errorf("new session vitals = %d, want 1", len(kept))
	}
}
