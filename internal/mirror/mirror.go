// Package mirror copies every cycle report into Redis so other services can
// read the meter without subscribing to the broker.
package mirror

import (
	"context"
	"encoding/json"
	"time"

	"codeberg.org/mutker/meterreader/internal/errors"
	"codeberg.org/mutker/meterreader/internal/logger"
	"codeberg.org/mutker/meterreader/internal/reader"
	"github.com/redis/go-redis/v9"
)

const (
	defaultTTL     = 10 * time.Minute
	defaultHistory = 100
	writeTimeout   = 3 * time.Second
	keyPrefix      = "meterreader:"
)

type Config struct {
	Addr     string
	Password string
	DB       int
	// TTL bounds the lifetime of the latest-reading key.
	TTL time.Duration
	// History is the length of the capped reading list; 0 keeps none.
	History int
	// Name distinguishes several readers sharing one Redis.
	Name string
}

func (c Config) Enabled() bool {
	return c.Addr != ""
}

func (c Config) Validate() error {
	if c.Enabled() && (c.TTL < 0 || c.History < 0 || c.DB < 0) {
		return errors.New().WithData(ErrInvalidConfig, struct {
			TTL     time.Duration
			History int
			DB      int
		}{c.TTL, c.History, c.DB})
	}
	return nil
}

// Entry is the mirrored form of a cycle.
type Entry struct {
	Timestamp     int64   `json:"timestamp"`
	SensorValue   float64 `json:"sensorValue"`
	AcceptedValue float64 `json:"acceptedValue"`
	Delta         float64 `json:"delta"`
	SensorHealth  uint8   `json:"sensorHealth"`
	Accepted      bool    `json:"accepted"`
}

func EntryOf(res reader.CycleResult) Entry {
	return Entry{
		Timestamp:     res.Started.UnixMilli(),
		SensorValue:   res.SensorValue,
		AcceptedValue: res.AcceptedValue,
		Delta:         res.Delta,
		SensorHealth:  uint8(res.Health),
		Accepted:      res.Accepted,
	}
}

// Mirror implements reader.Recorder.
type Mirror struct {
	client  *redis.Client
	cfg     Config
	logger  logger.Logger
	lastKey string
	histKey string
}

// New returns nil and no error when mirroring is disabled. The connection
// is not checked here; Redis may come up after the reader.
func New(cfg Config, log logger.Logger) (*Mirror, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if !cfg.Enabled() {
		return nil, nil
	}
	if log == nil {
		log = logger.New("mirror")
	}
	if cfg.TTL == 0 {
		cfg.TTL = defaultTTL
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     2,
		MaxRetries:   1,
		DialTimeout:  writeTimeout,
		ReadTimeout:  writeTimeout,
		WriteTimeout: writeTimeout,
	})

	name := cfg.Name
	if name == "" {
		name = "default"
	}

	log.Info().Str("addr", cfg.Addr).Int("db", cfg.DB).Str("name", name).Msg("Mirroring readings to Redis")

	return &Mirror{
		client:  client,
		cfg:     cfg,
		logger:  log,
		lastKey: keyPrefix + name + ":last",
		histKey: keyPrefix + name + ":history",
	}, nil
}

func (m *Mirror) RecordCycle(ctx context.Context, res reader.CycleResult) error {
	errFactory := errors.New()

	data, err := json.Marshal(EntryOf(res))
	if err != nil {
		return errFactory.Wrap(ErrEncodeReading, err)
	}

	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	pipe := m.client.Pipeline()
	pipe.Set(ctx, m.lastKey, data, m.cfg.TTL)
	if m.cfg.History > 0 {
		pipe.LPush(ctx, m.histKey, data)
		pipe.LTrim(ctx, m.histKey, 0, int64(m.cfg.History-1))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return errFactory.Wrap(ErrMirrorWrite, err)
	}

	return nil
}

func (m *Mirror) Close() error {
	return m.client.Close()
}
