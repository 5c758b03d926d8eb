// Package metrics keeps a SQLite history of read cycles.
package metrics

import (
	"context"

	"codeberg.org/mutker/meterreader/internal/errors"
	"codeberg.org/mutker/meterreader/internal/inference"
	"codeberg.org/mutker/meterreader/internal/logger"
	"codeberg.org/mutker/meterreader/internal/reader"
)

type service struct {
	repo HistoryRepository
	cfg  Config
}

// No-op implementation
type noopHistoryCollector struct{}

func NewService(cfg Config, log logger.Logger) (HistoryCollector, error) {
	errFactory := errors.New()

	if err := cfg.Validate(); err != nil {
		return nil, errFactory.Wrap(ErrInvalidConfig, err)
	}
	if log == nil {
		log = logger.New("history")
	}

	// If history is disabled, return a no-op collector
	if !cfg.Enabled {
		log.Debug().Msg("Reading history disabled, using no-op collector")
		return &noopHistoryCollector{}, nil
	}

	repo, err := NewRepository(cfg, log)
	if err != nil {
		log.Debug().Err(err).Msg("Failed to create history repository")
		return nil, err
	}

	log.Debug().
		Str("db_path", cfg.DBPath).
		Bool("enabled", cfg.Enabled).
		Msg("History service initialized successfully")

	return &service{
		repo: repo,
		cfg:  cfg,
	}, nil
}

func (s *service) Record(ctx context.Context, reading *Reading) error {
	errFactory := errors.New()

	if reading == nil {
		return errFactory.New(ErrInvalidReading)
	}

	select {
	case <-ctx.Done():
		return errFactory.Wrap(ErrOperationTimeout, ctx.Err())
	default:
		if err := s.repo.Record(reading); err != nil {
			return errFactory.Wrap(ErrRecordFailed, err)
		}
	}

	return nil
}

func (s *service) Recent(ctx context.Context, limit int) ([]Reading, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.New().Wrap(ErrOperationTimeout, err)
	}
	return s.repo.Recent(limit)
}

func (s *service) Close() error {
	errFactory := errors.New()

	if err := s.repo.Close(); err != nil {
		return errFactory.Wrap(ErrServiceShutdown, err)
	}
	return nil
}

// No-op implementation
func (*noopHistoryCollector) Record(_ context.Context, _ *Reading) error {
	return nil
}

func (*noopHistoryCollector) Recent(_ context.Context, _ int) ([]Reading, error) {
	return nil, nil
}

func (*noopHistoryCollector) Close() error {
	return nil
}

// Recorder adapts a HistoryCollector to the reader's cycle sink.
type Recorder struct {
	Collector HistoryCollector
}

func (r Recorder) RecordCycle(ctx context.Context, res reader.CycleResult) error {
	return r.Collector.Record(ctx, FromCycle(res))
}

// FromCycle converts a cycle result into a stored reading.
func FromCycle(res reader.CycleResult) *Reading {
	return &Reading{
		Timestamp:     res.Started,
		SensorValue:   res.SensorValue,
		AcceptedValue: res.AcceptedValue,
		Delta:         res.Delta,
		Accepted:      res.Accepted,
		Health:        uint8(res.Health),
		Digits:        inference.Result{Verdicts: res.Verdicts}.Digits(),
		AbortedAt:     string(res.AbortedAt),
		Streak:        res.Streak,
		Reinitialized: res.Reinitialized,
		Duration:      res.Duration,
	}
}
