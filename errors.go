package ffclient

import (
	"errors"

	"github.com/ffaaslite/go-ffaas/internal/datasource"
)

var (
	// ErrFlagNotFound is returned by Evaluate when the flag is neither cached nor known to the
	// server.
	ErrFlagNotFound = datasource.ErrFlagNotFound

	// ErrClientClosed is returned by operations attempted after Close.
	ErrClientClosed = errors.New("client has been closed")

	// ErrMissingBaseURI is returned by New if Config.BaseURI is empty.
	ErrMissingBaseURI = errors.New("base URI is required")
)

// HTTPStatusError is returned when the server responds with an unexpected HTTP status.
type HTTPStatusError = datasource.HTTPStatusError

// MalformedResponseError is returned when a server response cannot be decoded.
type MalformedResponseError = datasource.MalformedResponseError
