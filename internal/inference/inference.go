package inference

import "context"

// Default thresholds sent with every request, on a 0-100 scale.
const (
	DefaultConfidence = 40
	DefaultOverlap    = 30
)

// Point is a position in source-image pixel space.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Size is a width/height pair in source-image pixels.
type Size struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Detection is one object instance reported by the remote model.
// Center and Size are in the pixel space of the original, unscaled image.
type Detection struct {
	ClassLabel string  `json:"class_label"`
	ClassID    int     `json:"class_id"`
	Confidence float64 `json:"confidence"`
	Center     Point   `json:"center"`
	Size       Size    `json:"size"`
}

// Options are the filters applied by the remote service.
type Options struct {
	Confidence int
	Overlap    int
}

// DefaultOptions returns the fixed thresholds used by the service.
func DefaultOptions() Options {
	return Options{Confidence: DefaultConfidence, Overlap: DefaultOverlap}
}

// Client is the inference gateway consumed by the prediction flow.
type Client interface {
	Infer(ctx context.Context, imageBytes []byte, opts Options) ([]Detection, error)
}
