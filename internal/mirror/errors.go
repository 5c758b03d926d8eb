package mirror

import "codeberg.org/mutker/meterreader/internal/errors"

const (
	ErrInvalidConfig = errors.ErrInvalidConfig
	ErrEncodeReading = errors.ErrorCode("mirror_encode_failed")
	ErrMirrorWrite   = errors.ErrorCode("mirror_write_failed")
)
