package messaging

import "codeberg.org/mutker/meterreader/internal/errors"

const (
	ErrNotConnected   errors.ErrorCode = "not_connected"
	ErrConnectFailed  errors.ErrorCode = "broker_connect_failed"
	ErrPublishFailed  errors.ErrorCode = "publish_failed"
	ErrSubscribe      errors.ErrorCode = "subscribe_failed"
	ErrClientClosed   errors.ErrorCode = "client_closed"
	ErrPublishTimeout errors.ErrorCode = "publish_timeout"
)
