package meterconf

import "codeberg.org/mutker/meterreader/internal/errors"

const (
	ErrReadDocument    errors.ErrorCode = "read_document_failed"
	ErrDecodeDocument  errors.ErrorCode = "decode_document_failed"
	ErrEncodeDocument  errors.ErrorCode = "encode_document_failed"
	ErrWriteDocument   errors.ErrorCode = "write_document_failed"
	ErrInvalidDocument errors.ErrorCode = "invalid_document"
	ErrUnknownFormat   errors.ErrorCode = "unknown_document_format"
)
