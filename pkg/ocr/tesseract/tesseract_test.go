package tesseract

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClient struct {
	prefix  string
	image   []byte
	langs   []string
	text    string
	textErr error
	closed  bool
}

func (f *fakeClient) SetTessdataPrefix(p string) error  { f.prefix = p; return nil }
func (f *fakeClient) SetImageFromBytes(b []byte) error  { f.image = b; return nil }
func (f *fakeClient) SetLanguage(langs ...string) error { f.langs = langs; return nil }
func (f *fakeClient) Text() (string, error)             { return f.text, f.textErr }
func (f *fakeClient) Close() error                      { f.closed = true; return nil }

func newFakeEngine(fc *fakeClient, tessdata string) *Engine {
	return &Engine{
		clientFactory: func() client { return fc },
		tessdata:      tessdata,
	}
}

func TestRecognize(t *testing.T) {
	fc := &fakeClient{text: "  Hello, world\n"}
	e := newFakeEngine(fc, "/usr/share/tessdata")

	text, err := e.Recognize(context.Background(), []byte("png"), []string{"eng", "deu"})
	require.NoError(t, err)
	assert.Equal(t, "Hello, world", text)
	assert.Equal(t, "/usr/share/tessdata", fc.prefix)
	assert.Equal(t, []byte("png"), fc.image)
	assert.Equal(t, []string{"eng", "deu"}, fc.langs)
	assert.True(t, fc.closed)
	assert.Equal(t, "tesseract", e.Name())
}

func TestRecognize_Errors(t *testing.T) {
	t.Run("empty image", func(t *testing.T) {
		e := newFakeEngine(&fakeClient{}, "")
		_, err := e.Recognize(context.Background(), nil, nil)
		assert.ErrorIs(t, err, ErrEmptyImage)
	})

	t.Run("cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		e := newFakeEngine(&fakeClient{}, "")
		_, err := e.Recognize(ctx, []byte("png"), nil)
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("recognition failure closes client", func(t *testing.T) {
		boom := errors.New("unsupported image format")
		fc := &fakeClient{textErr: boom}
		e := newFakeEngine(fc, "")
		_, err := e.Recognize(context.Background(), []byte("gif"), nil)
		assert.ErrorIs(t, err, boom)
		assert.True(t, fc.closed)
		assert.Empty(t, fc.prefix, "default data path left alone")
	})
}
