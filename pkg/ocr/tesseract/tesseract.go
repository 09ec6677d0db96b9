// Package tesseract implements ocr.Engine on top of the gosseract client.
package tesseract

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/otiai10/gosseract/v2"

	"github.com/emergent-company/ocrfleet/pkg/ocr"
)

// ErrEmptyImage is returned for a zero-length image.
var ErrEmptyImage = errors.New("empty image")

// client is the part of *gosseract.Client the engine drives.
type client interface {
	SetTessdataPrefix(prefix string) error
	SetImageFromBytes(data []byte) error
	SetLanguage(langs ...string) error
	Text() (string, error)
	Close() error
}

// Engine is a Tesseract-backed ocr.Engine. A fresh client is created per
// image, so an Engine is safe for concurrent use.
type Engine struct {
	clientFactory func() client
	tessdata      string
}

var _ ocr.Engine = (*Engine)(nil)

// NewEngine constructs a Tesseract engine. An empty tessdata uses the
// library's default data path.
func NewEngine(tessdata string) *Engine {
	return &Engine{
		clientFactory: func() client { return gosseract.NewClient() },
		tessdata:      tessdata,
	}
}

func (e *Engine) Name() string { return "tesseract" }

// Recognize runs OCR on one encoded image and returns its trimmed text.
func (e *Engine) Recognize(ctx context.Context, image []byte, languages []string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if len(image) == 0 {
		return "", ErrEmptyImage
	}

	c := e.clientFactory()
	defer c.Close()

	if e.tessdata != "" {
		if err := c.SetTessdataPrefix(e.tessdata); err != nil {
			return "", fmt.Errorf("set tessdata prefix: %w", err)
		}
	}
	if err := c.SetImageFromBytes(image); err != nil {
		return "", fmt.Errorf("set image: %w", err)
	}
	if len(languages) > 0 {
		if err := c.SetLanguage(languages...); err != nil {
			return "", fmt.Errorf("set languages: %w", err)
		}
	}
	text, err := c.Text()
	if err != nil {
		return "", fmt.Errorf("recognize text: %w", err)
	}
	return strings.TrimSpace(text), nil
}
