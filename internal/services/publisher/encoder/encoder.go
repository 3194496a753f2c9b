// Package encoder renders lane snapshots to annotated JPEGs with OpenCV.
package encoder

import (
	"errors"
	"fmt"
	"image"
	"image/color"

	"gocv.io/x/gocv"

	"intersection-worker-go/internal/models"
)

var (
	boxColor    = color.RGBA{R: 0, G: 255, B: 0, A: 255}
	textColor   = color.RGBA{R: 255, G: 255, B: 0, A: 255}
	greenLight  = color.RGBA{R: 0, G: 220, B: 0, A: 255}
	redLight    = color.RGBA{R: 230, G: 0, B: 0, A: 255}
	panelColor  = color.RGBA{R: 0, G: 0, B: 0, A: 180}
	errBadFrame = errors.New("frame has no pixel data")
)

type JPEGEncoder struct {
	quality int
}

func NewJPEGEncoder(quality int) *JPEGEncoder {
	if quality < 1 || quality > 100 {
		quality = 80
	}
	return &JPEGEncoder{quality: quality}
}

// Encode draws vehicle boxes, speeds, the lane count and the lane's signal
// on a copy of the frame, then JPEG-encodes it. The frame itself is shared
// and is never modified.
func (e *JPEGEncoder) Encode(snap models.LaneSnapshot) ([]byte, error) {
	f := snap.Frame
	if f == nil || len(f.Data) == 0 {
		return nil, errBadFrame
	}
	if len(f.Data) != f.Width*f.Height*3 {
		return nil, fmt.Errorf("frame %dx%d has %d bytes, want BGR24", f.Width, f.Height, len(f.Data))
	}

	src, err := gocv.NewMatFromBytes(f.Height, f.Width, gocv.MatTypeCV8UC3, f.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to create Mat from frame data: %w", err)
	}
	defer src.Close()
	mat := src.Clone()
	defer mat.Close()

	for _, v := range snap.Vehicles {
		drawVehicle(&mat, v)
	}
	drawHeader(&mat, snap)

	buf, err := gocv.IMEncodeWithParams(gocv.JPEGFileExt, mat, []int{gocv.IMWriteJpegQuality, e.quality})
	if err != nil {
		return nil, fmt.Errorf("failed to encode JPEG: %w", err)
	}
	defer buf.Close()

	b := buf.GetBytes()
	out := make([]byte, len(b))
	copy(out, b)
	return out, nil
}

func drawVehicle(mat *gocv.Mat, v models.VehicleRecord) {
	c := v.Coordinates
	x, y := int(c.X), int(c.Y)
	rect := image.Rect(x, y, x+int(c.Width), y+int(c.Height))
	gocv.Rectangle(mat, rect, boxColor, 2)

	label := fmt.Sprintf("#%d", v.VehicleID)
	if v.HasSpeed() {
		label = fmt.Sprintf("#%d %.0f km/h", v.VehicleID, *v.SpeedInfo.KPH)
	}
	drawText(mat, label, x, y-4, 0.4, textColor)
}

func drawHeader(mat *gocv.Mat, snap models.LaneSnapshot) {
	text := fmt.Sprintf("Lane %d  Vehicles: %d", snap.Lane+1, snap.VehicleCount)
	drawText(mat, text, 10, 20, 0.5, textColor)

	light := redLight
	if snap.Signal == models.SignalGreen {
		light = greenLight
	}
	center := image.Pt(mat.Cols()-18, 18)
	gocv.Circle(mat, center, 12, panelColor, -1)
	gocv.Circle(mat, center, 9, light, -1)
}

func drawText(mat *gocv.Mat, text string, x, y int, scale float64, fg color.RGBA) {
	const thickness = 1
	if y < 12 {
		y = 12
	}
	size := gocv.GetTextSize(text, gocv.FontHersheySimplex, scale, thickness)
	gocv.Rectangle(mat, image.Rect(x-3, y-size.Y-3, x+size.X+3, y+3), panelColor, -1)
	gocv.PutText(mat, text, image.Pt(x, y), gocv.FontHersheySimplex, scale, fg, thickness)
}
