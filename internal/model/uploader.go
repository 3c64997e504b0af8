package model

import "context"

// Uploader delivers one aggregated agent answer to its destination.
type Uploader interface {
	Upload(ctx context.Context, raw []byte) error
}

type UploadCloser interface {
	Uploader
	Close() error
}
