package inference

import "codeberg.org/mutker/meterreader/internal/errors"

const (
	ErrClassifierUnavailable errors.ErrorCode = "classifier_unavailable"
	ErrClassifierTimeout     errors.ErrorCode = "classifier_timeout"
	ErrClassifierProtocol    errors.ErrorCode = "classifier_protocol_error"
	ErrClassifierRejected    errors.ErrorCode = "classifier_rejected_input"
	ErrInvalidScores         errors.ErrorCode = "invalid_scores"
	ErrMaskOutOfFrame        errors.ErrorCode = "mask_out_of_frame"
)
