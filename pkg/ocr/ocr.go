// Package ocr defines the text-recognition engine used by workers.
package ocr

import "context"

// Engine extracts plain text from an encoded image.
type Engine interface {
	Name() string
	Recognize(ctx context.Context, image []byte, languages []string) (string, error)
}
