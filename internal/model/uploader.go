package model

import (
	"context"
	"time"
)

// Invocation is one function call made by the service.
type Invocation struct {
	ID       string
	Function string
	Started  time.Time
	Payload  []byte
	Response []byte
}

type Uploader interface {
	Upload(ctx context.Context, inv Invocation) error
}

type UploadCloser interface {
	Uploader
	Close() error
}
