package config

import (
	"context"
	"os"
	"strings"
	"time"

	"codeberg.org/mutker/meterreader/internal/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	DefaultConfigFile     = "/etc/meterreader.toml"
	DefaultEnvPrefix      = "METERREADER"
	DefaultDocument       = "/etc/meterreader/MeterToolConf.json"
	DefaultLogLevel       = "info"
	DefaultClientName     = "meterreader"
	DefaultPIDFile        = "/run/meterreader.pid"
	DefaultCaptureTimeout = 10 * time.Second

	DefaultClassifierTimeout = 5 * time.Second

	DefaultMQTTBackoffFloor   = time.Second
	DefaultMQTTBackoffCeiling = 2 * time.Minute
	DefaultMQTTConnectTimeout = 10 * time.Second
	DefaultMQTTKeepAlive      = 30 * time.Second
	DefaultMQTTQoS            = 1

	DefaultHistoryDB           = "/var/lib/meterreader/history.db"
	DefaultHistoryBatchSize    = 10
	DefaultHistoryBatchTimeout = 5 * time.Minute

	DefaultRedisTTL     = 10 * time.Minute
	DefaultRedisHistory = 100
)

func Load(_ context.Context, opts ...Option) (*Config, error) {
	errFactory := errors.New()

	o := &options{envPrefix: DefaultEnvPrefix}
	for _, opt := range opts {
		if err := opt(o); err != nil {
			return nil, errFactory.Wrap(errors.ErrInvalidConfig, err)
		}
	}
	if !o.argsSet {
		o.args = os.Args[1:]
	}

	v := viper.New()
	setDefaults(v)

	flags := pflag.NewFlagSet("meterreader", pflag.ContinueOnError)
	defineFlags(flags)
	if err := flags.Parse(o.args); err != nil {
		return nil, errFactory.Wrap(errors.ErrBindFlags, err)
	}

	v.SetEnvPrefix(o.envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	configPath := o.configPath
	if f := flags.Lookup("config"); f != nil && f.Changed {
		configPath = f.Value.String()
	}
	if configPath == "" {
		configPath = os.Getenv(o.envPrefix + "_CONFIG")
	}
	explicit := configPath != ""
	if !explicit {
		configPath = DefaultConfigFile
	}

	v.SetConfigFile(configPath)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		_, notFound := err.(viper.ConfigFileNotFoundError)
		if explicit || !(notFound || os.IsNotExist(err)) {
			return nil, errFactory.Wrap(errors.ErrReadConfig, err)
		}
	}

	if err := bindFlags(v, flags); err != nil {
		return nil, errFactory.Wrap(errors.ErrBindFlags, err)
	}

	cfg := &Config{
		Document:       v.GetString("document"),
		LogLevel:       v.GetString("log_level"),
		Once:           v.GetBool("once"),
		ClientName:     v.GetString("client_name"),
		PIDFile:        v.GetString("pid_file"),
		CaptureTimeout: v.GetDuration("capture_timeout"),

		ClassifierCommand: v.GetString("classifier_command"),
		ClassifierArgs:    v.GetStringSlice("classifier_args"),
		ClassifierTimeout: v.GetDuration("classifier_timeout"),

		MQTTBackoffFloor:   v.GetDuration("mqtt_backoff_floor"),
		MQTTBackoffCeiling: v.GetDuration("mqtt_backoff_ceiling"),
		MQTTConnectTimeout: v.GetDuration("mqtt_connect_timeout"),
		MQTTKeepAlive:      v.GetDuration("mqtt_keepalive"),
		MQTTQoS:            v.GetInt("mqtt_qos"),

		History:             v.GetBool("history"),
		HistoryDB:           v.GetString("history_db"),
		HistoryBatchSize:    v.GetInt("history_batch_size"),
		HistoryBatchTimeout: v.GetDuration("history_batch_timeout"),
		HistoryBackupDir:    v.GetString("history_backup_dir"),

		StatusListen: v.GetString("status_listen"),

		RedisAddr:     v.GetString("redis_addr"),
		RedisPassword: v.GetString("redis_password"),
		RedisDB:       v.GetInt("redis_db"),
		RedisTTL:      v.GetDuration("redis_ttl"),
		RedisHistory:  v.GetInt("redis_history"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("document", DefaultDocument)
	v.SetDefault("log_level", DefaultLogLevel)
	v.SetDefault("once", false)
	v.SetDefault("client_name", DefaultClientName)
	v.SetDefault("pid_file", DefaultPIDFile)
	v.SetDefault("capture_timeout", DefaultCaptureTimeout)
	v.SetDefault("classifier_command", "")
	v.SetDefault("classifier_args", []string{})
	v.SetDefault("classifier_timeout", DefaultClassifierTimeout)
	v.SetDefault("mqtt_backoff_floor", DefaultMQTTBackoffFloor)
	v.SetDefault("mqtt_backoff_ceiling", DefaultMQTTBackoffCeiling)
	v.SetDefault("mqtt_connect_timeout", DefaultMQTTConnectTimeout)
	v.SetDefault("mqtt_keepalive", DefaultMQTTKeepAlive)
	v.SetDefault("mqtt_qos", DefaultMQTTQoS)
	v.SetDefault("history", false)
	v.SetDefault("history_db", DefaultHistoryDB)
	v.SetDefault("history_batch_size", DefaultHistoryBatchSize)
	v.SetDefault("history_batch_timeout", DefaultHistoryBatchTimeout)
	v.SetDefault("history_backup_dir", "")
	v.SetDefault("status_listen", "")
	v.SetDefault("redis_addr", "")
	v.SetDefault("redis_password", "")
	v.SetDefault("redis_db", 0)
	v.SetDefault("redis_ttl", DefaultRedisTTL)
	v.SetDefault("redis_history", DefaultRedisHistory)
}

func defineFlags(flags *pflag.FlagSet) {
	flags.String("config", "", "Path to configuration file")
	flags.String("document", DefaultDocument, "Path to the meter document (.json or .yaml)")
	flags.String("log-level", DefaultLogLevel, "Log level (debug, info, warning, error)")
	flags.Bool("once", false, "Run a single read cycle and exit")
	flags.String("client-name", DefaultClientName, "MQTT client name prefix")
	flags.String("pid-file", DefaultPIDFile, "Path to PID file")
	flags.Duration("capture-timeout", DefaultCaptureTimeout, "Frame capture timeout")
	flags.String("classifier-command", "", "Classifier worker executable")
	flags.StringSlice("classifier-args", nil, "Classifier worker arguments")
	flags.Duration("classifier-timeout", DefaultClassifierTimeout, "Classifier invocation timeout")
	flags.Duration("mqtt-backoff-floor", DefaultMQTTBackoffFloor, "Initial MQTT reconnect delay")
	flags.Duration("mqtt-backoff-ceiling", DefaultMQTTBackoffCeiling, "Maximum MQTT reconnect delay")
	flags.Duration("mqtt-connect-timeout", DefaultMQTTConnectTimeout, "MQTT connect and write timeout")
	flags.Duration("mqtt-keepalive", DefaultMQTTKeepAlive, "MQTT keepalive interval")
	flags.Int("mqtt-qos", DefaultMQTTQoS, "MQTT QoS for publishes and subscriptions")
	flags.Bool("history", false, "Record cycle results in the history database")
	flags.String("history-db", DefaultHistoryDB, "Path to the history database")
	flags.Int("history-batch-size", DefaultHistoryBatchSize, "History rows buffered before a flush")
	flags.Duration("history-batch-timeout", DefaultHistoryBatchTimeout, "Maximum time between history flushes")
	flags.String("history-backup-dir", "", "Directory for history backups before migrations")
	flags.String("status-listen", "", "Address for the status HTTP server (empty disables)")
	flags.String("redis-addr", "", "Redis address for the reading mirror (empty disables)")
	flags.String("redis-password", "", "Redis password")
	flags.Int("redis-db", 0, "Redis database")
	flags.Duration("redis-ttl", DefaultRedisTTL, "TTL of the mirrored last report")
	flags.Int("redis-history", DefaultRedisHistory, "Mirrored report history length")
}

// bindFlags binds every flag except --config to its snake_case key, so only
// flags set on the command line override the file and environment.
func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	var err error
	flags.VisitAll(func(f *pflag.Flag) {
		if err != nil || f.Name == "config" {
			return
		}
		key := strings.ReplaceAll(f.Name, "-", "_")
		err = v.BindPFlag(key, f)
	})
	return err
}

func (c *Config) Validate() error {
	errFactory := errors.New()

	if !LogLevel(c.LogLevel).IsValid() {
		return errFactory.WithData(errors.ErrInvalidLogLevel, c.LogLevel)
	}
	if c.Document == "" {
		return errFactory.WithMessage(errors.ErrMissingConfig, "document path is required")
	}
	if c.ClientName == "" {
		return errFactory.WithMessage(errors.ErrMissingConfig, "client name is required")
	}
	if c.CaptureTimeout <= 0 || c.ClassifierTimeout <= 0 {
		return errFactory.WithMessage(errors.ErrInvalidInterval, "timeouts must be positive")
	}
	if c.MQTTBackoffFloor <= 0 || c.MQTTBackoffCeiling < c.MQTTBackoffFloor {
		return errFactory.WithMessage(errors.ErrInvalidInterval, "mqtt backoff ceiling must be at least the floor")
	}
	if c.MQTTQoS < 0 || c.MQTTQoS > 2 {
		return errFactory.WithData(errors.ErrInvalidConfig, c.MQTTQoS)
	}
	if c.History && c.HistoryDB == "" {
		return errFactory.WithMessage(errors.ErrMissingConfig, "history database path is required")
	}
	if c.HistoryBatchSize <= 0 || c.HistoryBatchTimeout <= 0 {
		return errFactory.WithMessage(errors.ErrInvalidInterval, "history batching must be positive")
	}

	return nil
}
