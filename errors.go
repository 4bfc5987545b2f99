package hearth

import (
	"errors"

	"goflare.io/hearth/internal/fetch"
	"goflare.io/hearth/internal/worker"
)

var (
	ErrCloseFailed    = errors.New("failed to close hearth")
	ErrTimeout        = fetch.ErrTimeout
	ErrNetwork        = fetch.ErrNetwork
	ErrParse          = fetch.ErrParse
	ErrUnknownMessage = worker.ErrUnknownMessage
)
