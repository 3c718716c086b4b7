package ocrengine

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image/png"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/invoiceflow/invoiceflow/internal/common"
	"github.com/invoiceflow/invoiceflow/internal/document"
)

// PaddleConfig configures the HTTP client for a PaddleOCR serving endpoint.
type PaddleConfig struct {
	BaseURL string // e.g. http://localhost:8866
	Timeout time.Duration
}

// Paddle talks to a PaddleOCR serving deployment over its ocr_system route.
// The serving process keeps the detection/recognition models warm, so the
// per-call cost here is transport only.
type Paddle struct {
	baseURL string
	client  *http.Client
	schema  *jsonschema.Schema
	logger  *slog.Logger
}

// paddleResponseSchema constrains the serving response before we touch it.
// Engines are external processes; a malformed body is an engine failure,
// not a panic.
const paddleResponseSchema = `{
	"type": "object",
	"required": ["status", "results"],
	"properties": {
		"status": {"type": "string"},
		"results": {
			"type": "array",
			"items": {
				"type": "array",
				"items": {
					"type": "object",
					"required": ["text", "confidence", "text_region"],
					"properties": {
						"text": {"type": "string"},
						"confidence": {"type": "number", "minimum": 0, "maximum": 1},
						"text_region": {
							"type": "array",
							"minItems": 4,
							"items": {
								"type": "array",
								"minItems": 2,
								"items": {"type": "number"}
							}
						}
					}
				}
			}
		}
	}
}`

type paddleRequest struct {
	Images []string `json:"images"`
}

type paddleResponse struct {
	Status  string `json:"status"`
	Msg     string `json:"msg"`
	Results [][]struct {
		Text       string      `json:"text"`
		Confidence float64     `json:"confidence"`
		TextRegion [][]float64 `json:"text_region"`
	} `json:"results"`
}

func NewPaddle(cfg PaddleConfig, logger *slog.Logger) (*Paddle, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:8866"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("paddle.json", strings.NewReader(paddleResponseSchema)); err != nil {
		return nil, fmt.Errorf("add paddle schema: %w", err)
	}
	schema, err := compiler.Compile("paddle.json")
	if err != nil {
		return nil, fmt.Errorf("compile paddle schema: %w", err)
	}

	return &Paddle{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client:  &http.Client{Timeout: cfg.Timeout},
		schema:  schema,
		logger:  logger,
	}, nil
}

func (p *Paddle) Name() string { return "paddle" }

func (p *Paddle) Close() error { return nil }

func (p *Paddle) Recognize(ctx context.Context, page document.Page) ([]Fragment, error) {
	var imgBuf bytes.Buffer
	if err := png.Encode(&imgBuf, page.Image); err != nil {
		return nil, common.NewPipelineError(common.KindOCREngine, "encoding page png", err)
	}

	body, err := json.Marshal(paddleRequest{
		Images: []string{base64.StdEncoding.EncodeToString(imgBuf.Bytes())},
	})
	if err != nil {
		return nil, common.NewPipelineError(common.KindOCREngine, "marshaling request", err)
	}

	url := p.baseURL + "/predict/ocr_system"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, common.NewPipelineError(common.KindOCREngine, "building request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, common.NewPipelineError(common.KindOCREngine, "calling paddle serving", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			p.logger.Warn("closing paddle response body", "error", cerr)
		}
	}()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, common.NewPipelineError(common.KindOCREngine, "reading paddle response", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, common.NewPipelineError(common.KindOCREngine,
			fmt.Sprintf("paddle serving status %d: %s", resp.StatusCode, truncate(string(raw), 512)), nil)
	}

	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, common.NewPipelineError(common.KindOCREngine, "decoding paddle response", err)
	}
	if err := p.schema.Validate(decoded); err != nil {
		return nil, common.NewPipelineError(common.KindOCREngine, "paddle response does not match schema", err)
	}

	var pr paddleResponse
	if err := json.Unmarshal(raw, &pr); err != nil {
		return nil, common.NewPipelineError(common.KindOCREngine, "decoding paddle response", err)
	}
	if pr.Status != "000" {
		return nil, common.NewPipelineError(common.KindOCREngine,
			fmt.Sprintf("paddle serving error status %s: %s", pr.Status, pr.Msg), nil)
	}

	var frags []Fragment
	if len(pr.Results) > 0 {
		for _, r := range pr.Results[0] {
			if r.Text == "" {
				continue
			}
			frags = append(frags, Fragment{
				Text:       r.Text,
				Box:        quadToBox(r.TextRegion),
				Confidence: r.Confidence,
				Page:       page.Index,
			})
		}
	}

	p.logger.Debug("paddle recognize ok",
		"page", page.Index,
		"fragments", len(frags),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return frags, nil
}

// quadToBox collapses the four-point text region into an axis-aligned box.
func quadToBox(quad [][]float64) Box {
	if len(quad) == 0 {
		return Box{}
	}
	minX, minY := quad[0][0], quad[0][1]
	maxX, maxY := minX, minY
	for _, pt := range quad[1:] {
		if len(pt) < 2 {
			continue
		}
		if pt[0] < minX {
			minX = pt[0]
		}
		if pt[0] > maxX {
			maxX = pt[0]
		}
		if pt[1] < minY {
			minY = pt[1]
		}
		if pt[1] > maxY {
			maxY = pt[1]
		}
	}
	return Box{X: int(minX), Y: int(minY), W: int(maxX - minX), H: int(maxY - minY)}
}
