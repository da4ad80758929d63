package ports

import "context"

// Transcriber converts audio bytes to text
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte) (string, error)
}
