package config

import "time"

// Option defines a configuration option that can be passed to Load
type Option func(*options) error

// options holds internal configuration options
type options struct {
	configPath string
	envPrefix  string
	args       []string
	argsSet    bool
}

// WithConfigFile specifies an explicit configuration file path
func WithConfigFile(path string) Option {
	return func(o *options) error {
		o.configPath = path
		return nil
	}
}

// WithEnvPrefix specifies a custom environment variable prefix
// Default is "METERREADER"
func WithEnvPrefix(prefix string) Option {
	return func(o *options) error {
		o.envPrefix = prefix
		return nil
	}
}

// WithArgs parses args instead of os.Args[1:]
func WithArgs(args []string) Option {
	return func(o *options) error {
		o.args = args
		o.argsSet = true
		return nil
	}
}

// LogLevel represents valid logging levels
type LogLevel string

const (
	LogLevelDebug   LogLevel = "debug"
	LogLevelInfo    LogLevel = "info"
	LogLevelWarning LogLevel = "warning"
	LogLevelError   LogLevel = "error"
)

// IsValid returns whether the log level is valid
func (l LogLevel) IsValid() bool {
	switch l {
	case LogLevelDebug, LogLevelInfo, LogLevelWarning, LogLevelError:
		return true
	default:
		return false
	}
}

// String implements the Stringer interface
func (l LogLevel) String() string {
	return string(l)
}

// Config holds the daemon settings. The meter itself is described by the
// document at Document, not here.
type Config struct {
	Document       string
	LogLevel       string
	Once           bool
	ClientName     string
	PIDFile        string
	CaptureTimeout time.Duration

	ClassifierCommand string
	ClassifierArgs    []string
	ClassifierTimeout time.Duration

	MQTTBackoffFloor   time.Duration
	MQTTBackoffCeiling time.Duration
	MQTTConnectTimeout time.Duration
	MQTTKeepAlive      time.Duration
	MQTTQoS            int

	History             bool
	HistoryDB           string
	HistoryBatchSize    int
	HistoryBatchTimeout time.Duration
	HistoryBackupDir    string

	StatusListen string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisTTL      time.Duration
	RedisHistory  int
}
