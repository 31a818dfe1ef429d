package store

import "errors"

var (
	ErrNotFound      = errors.New("entity not found")
	ErrLogNotFound   = errors.New("sync log entry not found")
	ErrInvalidQuery  = errors.New("invalid query")
	ErrInvalidCursor = errors.New("invalid cursor")
	ErrMetaNotFound  = errors.New("sync meta key not found")
)
