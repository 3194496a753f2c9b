// Package capture reads lane video with OpenCV.
package capture

import (
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"gocv.io/x/gocv"

	"intersection-worker-go/internal/models"
	"intersection-worker-go/internal/services/lane"
)

// Source is a lane.FrameSource over a file, URL or RTSP stream. Reads are
// expected from a single goroutine; Close may be called from another.
type Source struct {
	lane   int
	url    string
	width  int
	height int

	mu      sync.Mutex
	cap     *gocv.VideoCapture
	img     gocv.Mat
	resized gocv.Mat
	seq     int64
	closed  bool
}

// Open starts decoding url. Failing to open is a startup fault.
func Open(laneIdx int, url string, width, height int) (*Source, error) {
	s := &Source{
		lane:    laneIdx,
		url:     url,
		width:   width,
		height:  height,
		img:     gocv.NewMat(),
		resized: gocv.NewMat(),
	}
	if err := s.open(); err != nil {
		s.img.Close()
		s.resized.Close()
		return nil, err
	}
	return s, nil
}

func (s *Source) open() error {
	c, err := gocv.OpenVideoCapture(s.url)
	if err != nil {
		return fmt.Errorf("failed to open video source %s for lane %d: %w", s.url, s.lane, err)
	}
	if !c.IsOpened() {
		c.Close()
		return fmt.Errorf("video capture is not opened for lane %d (%s)", s.lane, s.url)
	}

	c.Set(gocv.VideoCaptureBufferSize, 1)
	c.Set(gocv.VideoCaptureFrameWidth, float64(s.width))
	c.Set(gocv.VideoCaptureFrameHeight, float64(s.height))

	log.Info().
		Int("lane", s.lane).
		Str("url", s.url).
		Float64("actual_fps", c.Get(gocv.VideoCaptureFPS)).
		Float64("actual_width", c.Get(gocv.VideoCaptureFrameWidth)).
		Float64("actual_height", c.Get(gocv.VideoCaptureFrameHeight)).
		Msg("VideoCapture opened")

	s.cap = c
	return nil
}

// Read returns the next frame as BGR24 at the configured size. A stream
// that has no more frames reports lane.ErrEndOfStream.
func (s *Source) Read() (*models.Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.cap == nil {
		return nil, fmt.Errorf("lane %d source is closed", s.lane)
	}
	if ok := s.cap.Read(&s.img); !ok {
		return nil, lane.ErrEndOfStream
	}
	if s.img.Empty() {
		return nil, fmt.Errorf("lane %d: empty frame", s.lane)
	}

	mat := s.img
	if s.img.Cols() != s.width || s.img.Rows() != s.height {
		gocv.Resize(s.img, &s.resized, image.Pt(s.width, s.height), 0, 0, gocv.InterpolationLinear)
		if s.resized.Empty() {
			return nil, fmt.Errorf("lane %d: resize produced an empty frame", s.lane)
		}
		mat = s.resized
	}

	s.seq++
	return &models.Frame{
		Lane:      s.lane,
		Data:      mat.ToBytes(),
		Width:     mat.Cols(),
		Height:    mat.Rows(),
		Format:    "BGR24",
		Seq:       s.seq,
		Timestamp: time.Now(),
	}, nil
}

// Rewind seeks back to the first frame, reopening the stream when the
// backend cannot seek.
func (s *Source) Rewind() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("lane %d source is closed", s.lane)
	}
	if s.cap != nil {
		s.cap.Set(gocv.VideoCapturePosFrames, 0)
		if s.cap.Get(gocv.VideoCapturePosFrames) == 0 {
			return nil
		}
		s.cap.Close()
		s.cap = nil
	}
	return s.open()
}

func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	var err error
	if s.cap != nil {
		err = s.cap.Close()
		s.cap = nil
	}
	s.img.Close()
	s.resized.Close()
	return err
}
