package ingest

import (
	"context"

	"github.com/filenfoto/filenfoto/internal/photodb"
)

// Prediction is one classification result with its confidence in [0, 1].
type Prediction struct {
	Label      string
	Confidence float64
}

// Classification is the combined output of object detection and text
// recognition over one image.
type Classification struct {
	Objects []Prediction
	Text    []Prediction
}

// Tags converts the classification into index tag inserts. Raw labels are
// normalized by the store at insert time.
func (c *Classification) Tags() []photodb.NewTag {
	tags := make([]photodb.NewTag, 0, len(c.Objects)+len(c.Text))
	for _, p := range c.Objects {
		tags = append(tags, photodb.NewTag{Raw: p.Label, Category: photodb.TagObject, Confidence: p.Confidence})
	}
	for _, p := range c.Text {
		tags = append(tags, photodb.NewTag{Raw: p.Label, Category: photodb.TagText, Confidence: p.Confidence})
	}
	return tags
}

// Classifier runs black-box object and text classification over an image
// file. Implementations must be safe for concurrent use; the pipeline calls
// from multiple workers.
type Classifier interface {
	Classify(ctx context.Context, imagePath string) (*Classification, error)
}

// Compressor produces a compressed thumbnail from a source image file.
// Implementations must be safe for concurrent use.
type Compressor interface {
	Compress(ctx context.Context, srcPath, destPath string) error
}
