package metrics

import (
	"context"
	"database/sql"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"codeberg.org/mutker/meterreader/internal/errors"
	"codeberg.org/mutker/meterreader/internal/health"
	"codeberg.org/mutker/meterreader/internal/inference"
	"codeberg.org/mutker/meterreader/internal/logger"
	"codeberg.org/mutker/meterreader/internal/reader"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	logger.InitWriter(io.Discard, "error")
}

func testConfig(t *testing.T, batch int) Config {
	t.Helper()
	dir := t.TempDir()
	return Config{
		DBPath:       filepath.Join(dir, "history.db"),
		BackupDir:    filepath.Join(dir, "backups"),
		BatchSize:    batch,
		BatchTimeout: time.Hour,
		Enabled:      true,
	}
}

func reading(ts time.Time, value float64) *Reading {
	return &Reading{
		Timestamp:     ts,
		SensorValue:   value,
		AcceptedValue: value,
		Delta:         1,
		Accepted:      true,
		Health:        uint8(health.FaultLowConfidence),
		Digits:        "12.5",
		AbortedAt:     "",
		Streak:        2,
		Reinitialized: false,
		Duration:      1500 * time.Millisecond,
	}
}

func TestNewServiceDisabled(t *testing.T) {
	svc, err := NewService(Config{Enabled: false}, nil)
	require.NoError(t, err)

	require.NoError(t, svc.Record(context.Background(), reading(time.Now(), 1)))
	got, err := svc.Recent(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.NoError(t, svc.Close())
}

func TestNewServiceInvalidConfig(t *testing.T) {
	_, err := NewService(Config{Enabled: true}, nil)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, ErrInvalidConfig))
	assert.True(t, errors.HasCode(err, ErrInvalidDBPath))
}

func TestRecordAndRecent(t *testing.T) {
	cfg := testConfig(t, 3)
	svc, err := NewService(cfg, logger.New("history"))
	require.NoError(t, err)
	defer svc.Close()

	base := time.UnixMilli(1_700_000_000_000)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, svc.Record(ctx, reading(base.Add(time.Duration(i)*time.Millisecond), float64(100+i))))
	}

	// Recent flushes the two buffered readings first.
	got, err := svc.Recent(ctx, 4)
	require.NoError(t, err)
	require.Len(t, got, 4)

	assert.Equal(t, 104.0, got[0].SensorValue)
	assert.Equal(t, 101.0, got[3].SensorValue)
	assert.Equal(t, base.Add(4*time.Millisecond), got[0].Timestamp)
	assert.True(t, got[0].Accepted)
	assert.False(t, got[0].Reinitialized)
	assert.Equal(t, uint8(health.FaultLowConfidence), got[0].Health)
	assert.Equal(t, "12.5", got[0].Digits)
	assert.Equal(t, 2, got[0].Streak)
	assert.Equal(t, 1500*time.Millisecond, got[0].Duration)
}

func TestRecordRejectsNil(t *testing.T) {
	svc, err := NewService(testConfig(t, 1), nil)
	require.NoError(t, err)
	defer svc.Close()

	err = svc.Record(context.Background(), nil)
	assert.True(t, errors.HasCode(err, ErrInvalidReading))
}

func TestRecordCancelledContext(t *testing.T) {
	svc, err := NewService(testConfig(t, 1), nil)
	require.NoError(t, err)
	defer svc.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = svc.Record(ctx, reading(time.Now(), 1))
	assert.True(t, errors.HasCode(err, ErrOperationTimeout))
}

func TestCloseFlushesBuffer(t *testing.T) {
	cfg := testConfig(t, 10)
	repo, err := NewRepository(cfg, logger.New("history"))
	require.NoError(t, err)

	require.NoError(t, repo.Record(reading(time.UnixMilli(1), 7)))
	require.NoError(t, repo.Close())
	require.NoError(t, repo.Close())

	db, err := sql.Open("sqlite3", cfg.DBPath)
	require.NoError(t, err)
	defer db.Close()

	var n int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM readings").Scan(&n))
	assert.Equal(t, 1, n)
}

func TestSchemaVersionMismatchBacksUp(t *testing.T) {
	cfg := testConfig(t, 1)
	log := logger.New("history")

	db, err := sql.Open("sqlite3", cfg.DBPath)
	require.NoError(t, err)
	_, err = db.Exec(`
		CREATE TABLE schema_versions (version INTEGER PRIMARY KEY, applied_at TEXT NOT NULL);
		INSERT INTO schema_versions VALUES (99, datetime('now'));
		CREATE TABLE readings (legacy TEXT);`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	repo, err := NewRepository(cfg, log)
	require.NoError(t, err)
	require.NoError(t, repo.Record(reading(time.UnixMilli(5), 3)))
	got, err := repo.Recent(1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.NoError(t, repo.Close())

	backups, err := os.ReadDir(cfg.BackupDir)
	require.NoError(t, err)
	require.Len(t, backups, 1)
	assert.Contains(t, backups[0].Name(), "history_v99_")
}

func TestFromCycle(t *testing.T) {
	started := time.UnixMilli(42)
	res := reader.CycleResult{
		Started:       started,
		SensorValue:   12.5,
		AcceptedValue: 12.5,
		Delta:         0.5,
		Accepted:      true,
		Health:        health.Mask(health.FaultMessaging),
		Verdicts: []inference.Verdict{
			{Exponent: 1, Status: inference.StatusDigit, Class: 1},
			{Exponent: 0, Status: inference.StatusDigit, Class: 2},
			{Exponent: -1, Status: inference.StatusDigit, Class: 5},
		},
		Streak:   1,
		Duration: time.Second,
	}

	r := FromCycle(res)
	assert.Equal(t, started, r.Timestamp)
	assert.Equal(t, uint8(health.FaultMessaging), r.Health)
	assert.Equal(t, "12.5", r.Digits)
	assert.Equal(t, time.Second, r.Duration)
}
