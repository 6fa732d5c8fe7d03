// Package annotate turns raw detections into the prediction response: corner
// boxes, fresh detection ids, and an optional annotated copy of the image.
package annotate

import (
	"bytes"
	"encoding/base64"
	"errors"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"math"

	"github.com/google/uuid"

	"github.com/example/chicken-disease/internal/apperr"
	"github.com/example/chicken-disease/internal/inference"
)

// ErrNoPredictions is the cause attached to the empty-result condition.
var ErrNoPredictions = errors.New("No predictions made") //nolint:stylecheck // surfaced verbatim to clients

const (
	// DefaultStrokeWidth is the box outline thickness in pixels.
	DefaultStrokeWidth = 2
	// DefaultJPEGQuality is the encoder quality for the annotated image.
	DefaultJPEGQuality = 90
)

// DefaultStroke is the outline colour for annotated boxes.
var DefaultStroke = color.RGBA{R: 255, A: 255}

// BoundingBox is the corner form of a detection's rectangle.
type BoundingBox struct {
	XMin float64 `json:"x_min"`
	YMin float64 `json:"y_min"`
	XMax float64 `json:"x_max"`
	YMax float64 `json:"y_max"`
}

// AnnotatedDetection is a detection plus its response-scoped id and corner box.
type AnnotatedDetection struct {
	inference.Detection
	DetectionID string      `json:"detection_id"`
	BoundingBox BoundingBox `json:"bounding_box"`
}

// ImageInfo describes the source image. Base64 is set only when annotation is enabled.
type ImageInfo struct {
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Base64 string `json:"base64,omitempty"`
}

// PredictionResponse is the payload returned for a successful prediction.
type PredictionResponse struct {
	Image       ImageInfo            `json:"image"`
	Predictions []AnnotatedDetection `json:"predictions"`
}

// Options configure a Builder. Zero values fall back to the defaults above.
type Options struct {
	Enabled     bool
	Stroke      color.Color
	StrokeWidth int
	JPEGQuality int
	NewID       func() string
}

// Builder assembles prediction responses. It holds no per-request state.
type Builder struct {
	opts Options
}

// NewBuilder returns a Builder with defaults filled in.
func NewBuilder(opts Options) *Builder {
	if opts.Stroke == nil {
		opts.Stroke = DefaultStroke
	}
	if opts.StrokeWidth <= 0 {
		opts.StrokeWidth = DefaultStrokeWidth
	}
	if opts.JPEGQuality <= 0 || opts.JPEGQuality > 100 {
		opts.JPEGQuality = DefaultJPEGQuality
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	return &Builder{opts: opts}
}

// AnnotationEnabled reports whether responses carry a re-encoded image.
func (b *Builder) AnnotationEnabled() bool {
	return b.opts.Enabled
}

// BoxFromCenter converts a center/size rectangle to corner form. No clamping is applied.
func BoxFromCenter(center inference.Point, size inference.Size) BoundingBox {
	halfW := size.Width / 2
	halfH := size.Height / 2
	return BoundingBox{
		XMin: center.X - halfW,
		YMin: center.Y - halfH,
		XMax: center.X + halfW,
		YMax: center.Y + halfH,
	}
}

// Build produces one AnnotatedDetection per input detection, in input order.
// An empty detection list yields a KindEmptyResult error and no response.
func (b *Builder) Build(img image.Image, detections []inference.Detection) (*PredictionResponse, error) {
	if img == nil {
		return nil, apperr.New(apperr.KindProcessing, "annotate.build", "", errors.New("source image is missing"))
	}
	if len(detections) == 0 {
		return nil, apperr.New(apperr.KindEmptyResult, "annotate.build", "", ErrNoPredictions)
	}

	bounds := img.Bounds()
	var canvas *image.RGBA
	if b.opts.Enabled {
		canvas = image.NewRGBA(bounds)
		draw.Draw(canvas, bounds, img, bounds.Min, draw.Src)
	}

	predictions := make([]AnnotatedDetection, 0, len(detections))
	for _, det := range detections {
		box := BoxFromCenter(det.Center, det.Size)
		if canvas != nil {
			b.drawBox(canvas, box)
		}
		predictions = append(predictions, AnnotatedDetection{
			Detection:   det,
			DetectionID: b.opts.NewID(),
			BoundingBox: box,
		})
	}

	resp := &PredictionResponse{
		Image:       ImageInfo{Width: bounds.Dx(), Height: bounds.Dy()},
		Predictions: predictions,
	}

	if canvas != nil {
		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, canvas, &jpeg.Options{Quality: b.opts.JPEGQuality}); err != nil {
			return nil, apperr.New(apperr.KindProcessing, "annotate.encode", "", err)
		}
		resp.Image.Base64 = base64.StdEncoding.EncodeToString(buf.Bytes())
	}

	return resp, nil
}

// drawBox strokes the outline of box. Pixels outside the canvas are clipped by draw.Draw.
func (b *Builder) drawBox(canvas *image.RGBA, box BoundingBox) {
	origin := canvas.Bounds().Min
	x0 := origin.X + int(math.Round(box.XMin))
	y0 := origin.Y + int(math.Round(box.YMin))
	x1 := origin.X + int(math.Round(box.XMax))
	y1 := origin.Y + int(math.Round(box.YMax))
	w := b.opts.StrokeWidth
	src := image.NewUniform(b.opts.Stroke)

	edges := []image.Rectangle{
		image.Rect(x0, y0, x1, min(y0+w, y1)),
		image.Rect(x0, max(y1-w, y0), x1, y1),
		image.Rect(x0, y0, min(x0+w, x1), y1),
		image.Rect(max(x1-w, x0), y0, x1, y1),
	}
	for _, edge := range edges {
		draw.Draw(canvas, edge, src, image.Point{}, draw.Src)
	}
}
