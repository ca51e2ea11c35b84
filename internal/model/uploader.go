package model

import "context"

// Uploader receives the JSON report of every supervised run.
type Uploader interface {
	Upload(ctx context.Context, raw []byte) error
}

type UploadCloser interface {
	Uploader
	Close() error
}
