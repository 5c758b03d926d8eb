package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"codeberg.org/mutker/meterreader/internal/capture"
	"codeberg.org/mutker/meterreader/internal/config"
	"codeberg.org/mutker/meterreader/internal/errors"
	"codeberg.org/mutker/meterreader/internal/health"
	"codeberg.org/mutker/meterreader/internal/inference"
	"codeberg.org/mutker/meterreader/internal/logger"
	"codeberg.org/mutker/meterreader/internal/messaging"
	"codeberg.org/mutker/meterreader/internal/meterconf"
	"codeberg.org/mutker/meterreader/internal/metrics"
	"codeberg.org/mutker/meterreader/internal/mirror"
	"codeberg.org/mutker/meterreader/internal/pid"
	"codeberg.org/mutker/meterreader/internal/reader"
	"codeberg.org/mutker/meterreader/internal/telemetry"
)

type app struct {
	cfg        *config.Config
	supervisor *health.Supervisor
	client     *messaging.Client
	classifier *inference.Worker
	history    metrics.HistoryCollector
	mirror     *mirror.Mirror
	status     *telemetry.Server
	reader     *reader.Reader
}

var a app

func init() {
	var err error
	a.cfg, err = config.Load(context.Background())
	if err != nil {
		fmt.Printf("failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Init(a.cfg.LogLevel, logger.IsService())
	logger.Debug().Msg("Config loaded")
}

func main() {
	if err := pid.Write(a.cfg.PIDFile); err != nil {
		exit(err, "Failed to acquire PID file")
	}

	if err := initApp(); err != nil {
		cleanup()
		exit(err, "Failed to initialize")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go handleSignals(cancel)

	if err := loop(ctx); err != nil {
		logger.Error().Err(err).Msg("Error in main loop")
	}
	cleanup()
}

func initApp() error {
	errFactory := errors.New()
	cfg := a.cfg

	store, err := meterconf.NewStore(cfg.Document)
	if err != nil {
		return errFactory.Wrap(errors.ErrInitApp, err)
	}

	inst := telemetry.New()

	a.supervisor = health.NewSupervisor(0, logger.New("health"))
	a.supervisor.SetObserver(inst)

	a.client = messaging.New(messaging.DialPaho, messaging.Options{}, messaging.Config{
		BackoffFloor:   cfg.MQTTBackoffFloor,
		BackoffCeiling: cfg.MQTTBackoffCeiling,
	}, logger.New("messaging"))
	a.client.OnState(func(connected bool, err error) {
		inst.BrokerState(connected, err)
		if connected {
			a.supervisor.ClearFault(health.FaultMessaging)
			return
		}
		detail := "connection lost"
		if err != nil {
			detail = err.Error()
		}
		a.supervisor.SetFault(health.FaultMessaging, detail)
	})

	a.classifier, err = inference.NewWorker(inference.WorkerConfig{
		Command: cfg.ClassifierCommand,
		Args:    cfg.ClassifierArgs,
		Timeout: cfg.ClassifierTimeout,
	}, logger.New("classifier"))
	if err != nil {
		return errFactory.Wrap(errors.ErrInitApp, err)
	}

	a.history, err = metrics.NewService(metrics.Config{
		DBPath:       cfg.HistoryDB,
		BackupDir:    cfg.HistoryBackupDir,
		BatchSize:    cfg.HistoryBatchSize,
		BatchTimeout: cfg.HistoryBatchTimeout,
		Enabled:      cfg.History,
	}, logger.New("history"))
	if err != nil {
		return errFactory.Wrap(errors.ErrInitHistory, err)
	}

	a.mirror, err = mirror.New(mirror.Config{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		TTL:      cfg.RedisTTL,
		History:  cfg.RedisHistory,
		Name:     cfg.ClientName,
	}, logger.New("mirror"))
	if err != nil {
		return errFactory.Wrap(errors.ErrInitApp, err)
	}

	recorders := []reader.Recorder{inst, metrics.Recorder{Collector: a.history}}
	if a.mirror != nil {
		recorders = append(recorders, a.mirror)
	}

	a.reader, err = reader.New(store, a.client, a.classifier, a.supervisor, logger.New("reader"),
		reader.WithSourceFactory(func(camURL string) (capture.Source, error) {
			return capture.NewSource(camURL, cfg.CaptureTimeout)
		}),
		reader.WithRecorders(recorders...),
		reader.WithBrokerDefaults(messaging.Options{
			ClientName:     cfg.ClientName,
			QoS:            byte(cfg.MQTTQoS),
			ConnectTimeout: cfg.MQTTConnectTimeout,
			KeepAlive:      cfg.MQTTKeepAlive,
		}),
	)
	if err != nil {
		return err
	}

	statusCfg := telemetry.Config{Listen: cfg.StatusListen}
	if statusCfg.Enabled() {
		a.status, err = telemetry.NewServer(statusCfg, inst, a.supervisor, a.reader, logger.New("status"))
		if err != nil {
			return errFactory.Wrap(errors.ErrInitApp, err)
		}
		if err := a.status.Start(); err != nil {
			return errFactory.Wrap(errors.ErrInitApp, err)
		}
	}

	return nil
}

func loop(ctx context.Context) error {
	opts := a.reader.BrokerOptions()
	a.client.Configure(opts)
	a.client.Connect()

	connectCtx, cancel := context.WithTimeout(ctx, a.cfg.MQTTConnectTimeout)
	err := a.client.AwaitConnection(connectCtx)
	cancel()
	if err != nil {
		// Cycles still run and report the messaging fault until the
		// reconnect loop succeeds.
		logger.Warn().Err(err).Str("broker", opts.Broker()).Msg("Broker not reachable yet")
	}

	if err := a.reader.Start(); err != nil {
		logger.Warn().Err(err).Msg("Failed to subscribe to value requests")
	}

	if a.cfg.Once {
		res := a.reader.RunCycle(ctx)
		logger.Info().
			Float64("sensor_value", res.SensorValue).
			Str("sensor_health", res.Health.String()).
			Msg("Single cycle finished")
		return nil
	}

	logger.Info().Str("document", a.cfg.Document).Msg("Meter reader running")

	if err := a.reader.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return errors.New().Wrap(errors.ErrMainLoop, err)
	}
	return nil
}

func handleSignals(cancel context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs
	logger.Info().Msg("Received termination signal.")
	cancel()
}

func cleanup() {
	if a.status != nil {
		if err := a.status.Shutdown(context.Background()); err != nil {
			logger.Error().Err(err).Msg("Failed to stop status server")
		}
	}
	if a.client != nil {
		a.client.Close()
	}
	if a.classifier != nil {
		if err := a.classifier.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to stop classifier")
		}
	}
	if a.history != nil {
		if err := a.history.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close reading history")
		}
	}
	if a.mirror != nil {
		if err := a.mirror.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close reading mirror")
		}
	}
	if err := pid.Remove(a.cfg.PIDFile); err != nil {
		logger.Error().Err(err).Msg("Failed to remove PID file")
	}
	logger.Info().Msg("Exiting...")
}

func exit(err error, msg string) {
	var appErr errors.Error
	if errors.As(err, &appErr) {
		logger.FatalWithCode(appErr).Msg(msg)
	}
	logger.Fatal().Err(err).Msg(msg)
}
