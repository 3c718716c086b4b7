package ocrengine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/invoiceflow/invoiceflow/internal/common"
	"github.com/invoiceflow/invoiceflow/internal/document"
)

// Box is an axis-aligned bounding box in page pixel coordinates.
type Box struct {
	X, Y, W, H int
}

// CenterY returns the vertical center of the box.
func (b Box) CenterY() float64 { return float64(b.Y) + float64(b.H)/2 }

// CenterX returns the horizontal center of the box.
func (b Box) CenterX() float64 { return float64(b.X) + float64(b.W)/2 }

// Fragment is one recognized piece of text on a page. Fragments arrive
// roughly in reading order but skewed scans may report them out of order;
// consumers must not rely on strict ordering.
type Fragment struct {
	Text       string
	Box        Box
	Confidence float64 // [0,1], passed through from the engine unmodified
	Page       int
}

// Engine wraps a text detection + recognition capability. Exactly one
// concrete engine is wired at deployment time. A page without text yields an
// empty slice, not an error; engine-level failures carry the OCR_ENGINE kind.
type Engine interface {
	Recognize(ctx context.Context, page document.Page) ([]Fragment, error)
	Name() string
	Close() error
}

// NewEngine builds the configured engine. Engine initialization cost (binary
// probe, client construction, schema compilation) happens here, once per
// process, never per call.
func NewEngine(cfg common.OCRConfig, logger *slog.Logger) (Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch cfg.Engine {
	case "tesseract", "":
		return NewTesseract(TesseractConfig{
			Binary:      cfg.Tesseract,
			Lang:        cfg.TesseractLang,
			TessdataDir: cfg.TessdataDir,
		}, logger)
	case "paddle":
		return NewPaddle(PaddleConfig{
			BaseURL: cfg.PaddleURL,
			Timeout: cfg.Timeout,
		}, logger)
	case "azure":
		return NewAzure(AzureConfig{
			Endpoint: cfg.AzureEndpoint,
			APIKey:   cfg.AzureKey,
		}, logger)
	default:
		return nil, fmt.Errorf("unknown ocr engine: %q", cfg.Engine)
	}
}
