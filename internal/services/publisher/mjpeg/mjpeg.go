// Package mjpeg writes a sequence of JPEG images as a multipart HTTP stream.
package mjpeg

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"time"
)

const Boundary = "frame"

var ErrStreamingUnsupported = errors.New("streaming unsupported by response writer")

// SetHeaders prepares w for a multipart MJPEG response
func SetHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary="+Boundary)
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Connection", "keep-alive")
}

// WritePart writes one multipart section holding jpeg
func WritePart(w io.Writer, jpeg []byte) error {
	if _, err := io.WriteString(w, "--"+Boundary+"\r\n"); err != nil {
		return err
	}
	if _, err := io.WriteString(w, "Content-Type: image/jpeg\r\n"); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "Content-Length: %d\r\n\r\n", len(jpeg)); err != nil {
		return err
	}
	if _, err := w.Write(jpeg); err != nil {
		return err
	}
	_, err := io.WriteString(w, "\r\n")
	return err
}

// Stream writes frames to w at most fps times per second until the sequence
// ends, ctx is cancelled, or a write fails (client gone). It returns the
// number of parts written.
func Stream(ctx context.Context, w http.ResponseWriter, frames iter.Seq[[]byte], fps int) (int, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return 0, ErrStreamingUnsupported
	}
	if fps < 1 {
		fps = 1
	}
	interval := time.Second / time.Duration(fps)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	written := 0
	for jpeg := range frames {
		if err := WritePart(w, jpeg); err != nil {
			return written, err
		}
		flusher.Flush()
		written++

		select {
		case <-ctx.Done():
			return written, nil
		case <-ticker.C:
		}
	}
	return written, nil
}
