package messaging

import (
	"context"
	"fmt"
	"time"

	"codeberg.org/mutker/meterreader/internal/errors"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

const disconnectQuiesce = 250 // ms

type pahoSession struct {
	client  mqtt.Client
	qos     byte
	timeout time.Duration
}

// DialPaho connects with paho. Paho's own reconnect logic is disabled; the
// Client decides when to dial again.
func DialPaho(ctx context.Context, opts Options, onLost func(error)) (Session, error) {
	errFactory := errors.New()

	o := mqtt.NewClientOptions()
	o.AddBroker(opts.Broker())
	o.SetClientID(fmt.Sprintf("%s_%s", opts.ClientName, uuid.NewString()))
	o.SetUsername(opts.User)
	o.SetPassword(opts.Pass)
	o.SetCleanSession(true)
	o.SetAutoReconnect(false)
	o.SetConnectRetry(false)
	o.SetConnectTimeout(opts.ConnectTimeout)
	o.SetWriteTimeout(opts.ConnectTimeout)
	o.SetKeepAlive(opts.KeepAlive)
	// Handlers publish replies; they must not block the router.
	o.SetOrderMatters(false)
	o.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		if onLost != nil {
			onLost(err)
		}
	})

	client := mqtt.NewClient(o)
	token := client.Connect()

	select {
	case <-token.Done():
	case <-ctx.Done():
		client.Disconnect(0)
		return nil, errFactory.Wrap(ErrConnectFailed, ctx.Err())
	}
	if err := token.Error(); err != nil {
		return nil, errFactory.Wrap(ErrConnectFailed, err)
	}

	return &pahoSession{client: client, qos: opts.QoS, timeout: opts.ConnectTimeout}, nil
}

func (s *pahoSession) Publish(topic string, payload []byte) error {
	token := s.client.Publish(topic, s.qos, false, payload)
	return s.wait(token, ErrPublishFailed)
}

func (s *pahoSession) Subscribe(topic string, deliver func(topic string, payload []byte)) error {
	token := s.client.Subscribe(topic, s.qos, func(_ mqtt.Client, m mqtt.Message) {
		deliver(m.Topic(), m.Payload())
	})
	return s.wait(token, ErrSubscribe)
}

func (s *pahoSession) Unsubscribe(topic string) error {
	return s.wait(s.client.Unsubscribe(topic), ErrSubscribe)
}

func (s *pahoSession) Close() {
	s.client.Disconnect(disconnectQuiesce)
}

func (s *pahoSession) wait(token mqtt.Token, code errors.ErrorCode) error {
	if s.timeout > 0 && !token.WaitTimeout(s.timeout) {
		return errors.New().New(ErrPublishTimeout)
	}
	if s.timeout <= 0 {
		token.Wait()
	}
	if err := token.Error(); err != nil {
		return errors.New().Wrap(code, err)
	}
	return nil
}
