package ocrengine

import (
	"context"
	"fmt"
	"image/png"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/invoiceflow/invoiceflow/internal/common"
	"github.com/invoiceflow/invoiceflow/internal/document"
)

// TesseractConfig configures the exec-based tesseract engine.
type TesseractConfig struct {
	Binary      string // binary name or absolute path; empty -> "tesseract"
	Lang        string // default "eng"
	TessdataDir string
	PSM         int // e.g. 6 for a uniform block of text
	OEM         int // 1 = LSTM; 0 uses the default
}

// Tesseract recognizes text by shelling out to the tesseract binary in TSV
// mode, which reports one word per row with box and confidence columns.
type Tesseract struct {
	cfg    TesseractConfig
	runner Runner
	logger *slog.Logger
}

func NewTesseract(cfg TesseractConfig, logger *slog.Logger) (*Tesseract, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Binary == "" {
		cfg.Binary = "tesseract"
	}
	if cfg.Lang == "" {
		cfg.Lang = "eng"
	}
	t := &Tesseract{cfg: cfg, runner: execRunner{}, logger: logger}

	// Probe the binary once so a missing install fails at startup, not on
	// the first webhook.
	if _, _, err := t.runner.Run(context.Background(), cfg.Binary, "--version"); err != nil {
		return nil, fmt.Errorf("tesseract not available at %q: %w", cfg.Binary, err)
	}
	return t, nil
}

// NewTesseractWithRunner is for tests.
func NewTesseractWithRunner(cfg TesseractConfig, r Runner, logger *slog.Logger) *Tesseract {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Binary == "" {
		cfg.Binary = "tesseract"
	}
	if cfg.Lang == "" {
		cfg.Lang = "eng"
	}
	return &Tesseract{cfg: cfg, runner: r, logger: logger}
}

func (t *Tesseract) Name() string { return "tesseract" }

func (t *Tesseract) Close() error { return nil }

func (t *Tesseract) Recognize(ctx context.Context, page document.Page) ([]Fragment, error) {
	tmpDir, err := os.MkdirTemp("", "ivf-ocr-*")
	if err != nil {
		return nil, common.NewPipelineError(common.KindOCREngine, "temp dir", err)
	}
	defer func() {
		if rerr := os.RemoveAll(tmpDir); rerr != nil {
			t.logger.Warn("failed to remove temp dir", "dir", tmpDir, "error", rerr)
		}
	}()

	pagePath := filepath.Join(tmpDir, "page.png")
	f, err := os.Create(pagePath)
	if err != nil {
		return nil, common.NewPipelineError(common.KindOCREngine, "temp page file", err)
	}
	if err := png.Encode(f, page.Image); err != nil {
		_ = f.Close()
		return nil, common.NewPipelineError(common.KindOCREngine, "encoding page png", err)
	}
	if err := f.Close(); err != nil {
		return nil, common.NewPipelineError(common.KindOCREngine, "closing page file", err)
	}

	args := []string{pagePath, "stdout", "-l", t.cfg.Lang}
	if t.cfg.PSM > 0 {
		args = append(args, "--psm", strconv.Itoa(t.cfg.PSM))
	}
	if t.cfg.OEM > 0 {
		args = append(args, "--oem", strconv.Itoa(t.cfg.OEM))
	}
	if t.cfg.TessdataDir != "" {
		args = append(args, "--tessdata-dir", t.cfg.TessdataDir)
	}
	args = append(args, "tsv")

	out, errb, err := t.runner.Run(ctx, t.cfg.Binary, args...)
	if err != nil {
		return nil, common.NewPipelineError(common.KindOCREngine,
			fmt.Sprintf("tesseract: %s", truncate(string(errb), 512)), err)
	}

	return parseTSV(string(out), page.Index), nil
}

// parseTSV extracts word-level fragments from tesseract TSV output.
// Columns: level page block par line word left top width height conf text.
// conf is 0..100, -1 for structural rows.
func parseTSV(out string, pageIndex int) []Fragment {
	var frags []Fragment
	lines := strings.Split(out, "\n")
	for i, ln := range lines {
		if i == 0 || len(ln) == 0 { // skip header
			continue
		}
		cols := strings.Split(ln, "\t")
		if len(cols) < 12 {
			continue
		}
		text := strings.TrimSpace(cols[11])
		if text == "" {
			continue
		}
		conf, err := strconv.ParseFloat(cols[10], 64)
		if err != nil || conf < 0 {
			continue
		}
		left, err1 := strconv.Atoi(cols[6])
		top, err2 := strconv.Atoi(cols[7])
		width, err3 := strconv.Atoi(cols[8])
		height, err4 := strconv.Atoi(cols[9])
		if err1 != nil || err2 != nil || err3 != nil || err4 != nil {
			continue
		}
		frags = append(frags, Fragment{
			Text:       text,
			Box:        Box{X: left, Y: top, W: width, H: height},
			Confidence: conf / 100.0,
			Page:       pageIndex,
		})
	}
	return frags
}
