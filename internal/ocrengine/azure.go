package ocrengine

import (
	"bytes"
	"context"
	"fmt"
	"image/png"
	"io"
	"log/slog"
	"strconv"
	"strings"

	"github.com/Azure/azure-sdk-for-go/services/cognitiveservices/v3.0/computervision"
	"github.com/Azure/go-autorest/autorest"

	"github.com/invoiceflow/invoiceflow/internal/common"
	"github.com/invoiceflow/invoiceflow/internal/document"
)

// azureLineConfidence stands in for per-line confidence, which the printed
// text OCR API does not report.
const azureLineConfidence = 0.9

// AzureConfig configures the Azure Computer Vision engine.
type AzureConfig struct {
	Endpoint string
	APIKey   string
}

// Azure recognizes printed text through the Computer Vision OCR API.
// Fragments come back one per line with the region-reported bounding box.
type Azure struct {
	client *computervision.BaseClient
	logger *slog.Logger
}

func NewAzure(cfg AzureConfig, logger *slog.Logger) (*Azure, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Endpoint == "" || cfg.APIKey == "" {
		return nil, fmt.Errorf("azure engine requires endpoint and api key")
	}
	client := computervision.New(cfg.Endpoint)
	client.Authorizer = autorest.NewCognitiveServicesAuthorizer(cfg.APIKey)
	return &Azure{client: &client, logger: logger}, nil
}

func (a *Azure) Name() string { return "azure" }

func (a *Azure) Close() error { return nil }

func (a *Azure) Recognize(ctx context.Context, page document.Page) ([]Fragment, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, page.Image); err != nil {
		return nil, common.NewPipelineError(common.KindOCREngine, "encoding page png", err)
	}

	result, err := a.client.RecognizePrintedTextInStream(
		ctx,
		true,
		io.NopCloser(bytes.NewReader(buf.Bytes())),
		computervision.OcrLanguages(computervision.En),
	)
	if err != nil {
		return nil, common.NewPipelineError(common.KindOCREngine, "azure ocr call", err)
	}

	frags := fragmentsFromOCRResult(result, page.Index)
	a.logger.Debug("azure recognize ok", "page", page.Index, "fragments", len(frags))
	return frags, nil
}

func fragmentsFromOCRResult(result computervision.OcrResult, pageIndex int) []Fragment {
	var frags []Fragment
	if result.Regions == nil {
		return frags
	}
	for _, region := range *result.Regions {
		if region.Lines == nil {
			continue
		}
		for _, line := range *region.Lines {
			box, ok := parseBoundingBox(line.BoundingBox)
			if !ok || line.Words == nil {
				continue
			}
			var text strings.Builder
			for _, word := range *line.Words {
				if word.Text == nil {
					continue
				}
				if text.Len() > 0 {
					text.WriteByte(' ')
				}
				text.WriteString(*word.Text)
			}
			if text.Len() == 0 {
				continue
			}
			frags = append(frags, Fragment{
				Text:       text.String(),
				Box:        box,
				Confidence: azureLineConfidence,
				Page:       pageIndex,
			})
		}
	}
	return frags
}

// parseBoundingBox parses the API's "x,y,width,height" string.
func parseBoundingBox(s *string) (Box, bool) {
	if s == nil {
		return Box{}, false
	}
	parts := strings.Split(*s, ",")
	if len(parts) < 4 {
		return Box{}, false
	}
	vals := make([]int, 4)
	for i := 0; i < 4; i++ {
		v, err := strconv.Atoi(strings.TrimSpace(parts[i]))
		if err != nil {
			return Box{}, false
		}
		vals[i] = v
	}
	return Box{X: vals[0], Y: vals[1], W: vals[2], H: vals[3]}, true
}
