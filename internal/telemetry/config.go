package telemetry

import (
	"net"
	"time"

	"codeberg.org/mutker/meterreader/internal/errors"
)

const (
	defaultReadTimeout  = 10 * time.Second
	defaultWriteTimeout = 10 * time.Second
	defaultIdleTimeout  = 60 * time.Second
	shutdownTimeout     = 5 * time.Second
)

type Config struct {
	// Listen is the status server address; empty disables the server.
	Listen string
}

func (c Config) Enabled() bool {
	return c.Listen != ""
}

func (c Config) Validate() error {
	if !c.Enabled() {
		return nil
	}
	if _, _, err := net.SplitHostPort(c.Listen); err != nil {
		return errors.New().WithData(ErrInvalidListen, struct {
			Listen string
			Error  string
		}{
			Listen: c.Listen,
			Error:  err.Error(),
		})
	}
	return nil
}
