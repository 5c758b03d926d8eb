package messaging

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Options describe one broker.
type Options struct {
	BrokerURL      string
	Port           int
	User           string
	Pass           string
	ClientName     string
	QoS            byte
	ConnectTimeout time.Duration
	KeepAlive      time.Duration
}

// Broker returns the broker address in URL form, defaulting to tcp.
func (o Options) Broker() string {
	if strings.Contains(o.BrokerURL, "://") {
		return o.BrokerURL
	}
	return fmt.Sprintf("tcp://%s:%d", o.BrokerURL, o.Port)
}

// Session is one live broker connection.
type Session interface {
	Publish(topic string, payload []byte) error
	Subscribe(topic string, deliver func(topic string, payload []byte)) error
	Unsubscribe(topic string) error
	Close()
}

// Dialer opens a session. onLost is called at most once, when the session
// drops unexpectedly.
type Dialer func(ctx context.Context, opts Options, onLost func(error)) (Session, error)

// Handler processes one inbound message.
type Handler func(topic string, payload []byte) error

// StateObserver is told about every connect, failed attempt and loss.
type StateObserver func(connected bool, err error)
