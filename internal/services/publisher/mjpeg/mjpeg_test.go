package mjpeg

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWritePart(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WritePart(&buf, []byte("JPEG")))
	assert.Equal(t, "--frame\r\nContent-Type: image/jpeg\r\nContent-Length: 4\r\n\r\nJPEG\r\n", buf.String())
}

func TestStream_WritesEveryFrame(t *testing.T) {
	rec := httptest.NewRecorder()
	SetHeaders(rec)

	frames := slices.Values([][]byte{[]byte("one"), []byte("two"), []byte("three")})
	n, err := Stream(context.Background(), rec, frames, 1000)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	assert.Equal(t, "multipart/x-mixed-replace; boundary=frame", rec.Header().Get("Content-Type"))
	body := rec.Body.String()
	assert.Equal(t, 3, strings.Count(body, "--frame\r\n"))
	assert.Contains(t, body, "Content-Length: 5\r\n\r\nthree\r\n")
	assert.True(t, rec.Flushed)
}

func TestStream_StopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	frames := func(yield func([]byte) bool) {
		for yield([]byte("x")) {
		}
	}
	n, err := Stream(ctx, httptest.NewRecorder(), frames, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

type brokenWriter struct {
	header http.Header
}

func (w *brokenWriter) Header() http.Header       { return w.header }
func (w *brokenWriter) Write([]byte) (int, error) { return 0, errors.New("connection reset") }
func (w *brokenWriter) WriteHeader(int)           {}
func (w *brokenWriter) Flush()                    {}

func TestStream_StopsWhenClientGone(t *testing.T) {
	frames := func(yield func([]byte) bool) {
		for yield([]byte("x")) {
		}
	}
	n, err := Stream(context.Background(), &brokenWriter{header: http.Header{}}, frames, 1000)
	assert.Error(t, err)
	assert.Zero(t, n)
}

type plainWriter struct{ http.ResponseWriter }

func TestStream_RequiresFlusher(t *testing.T) {
	_, err := Stream(context.Background(), plainWriter{httptest.NewRecorder()}, slices.Values([][]byte{}), 10)
	assert.ErrorIs(t, err, ErrStreamingUnsupported)
}
