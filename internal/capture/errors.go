package capture

import "codeberg.org/mutker/meterreader/internal/errors"

const (
	ErrNoSource    errors.ErrorCode = "capture_source_missing"
	ErrFetchFrame  errors.ErrorCode = "fetch_frame_failed"
	ErrBadStatus   errors.ErrorCode = "camera_bad_status"
	ErrDecodeFrame errors.ErrorCode = "decode_frame_failed"
	ErrEmptyFrame  errors.ErrorCode = "empty_frame"
)
