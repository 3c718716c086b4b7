package document

import (
	"bytes"
	"image"
	_ "image/gif"  // register GIF decoder
	_ "image/jpeg" // register JPEG decoder
	_ "image/png"  // register PNG decoder
	"log/slog"

	"github.com/gen2brain/go-fitz"
	"github.com/gen2brain/heic"

	"github.com/invoiceflow/invoiceflow/constants"
	"github.com/invoiceflow/invoiceflow/internal/common"
)

// Page is a single rasterized page. Pages are transient; nothing here is
// persisted to disk.
type Page struct {
	Image image.Image
	Index int // 0-based page index within the source document
}

// Config controls rasterization and preprocessing.
type Config struct {
	DPI     int  // PDF rasterization DPI, default 300
	Enhance bool // run the OCR enhancement pass over each page
}

// Loader normalizes an incoming attachment into rasterized pages.
type Loader struct {
	cfg    Config
	logger *slog.Logger
}

func NewLoader(cfg Config, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DPI <= 0 {
		cfg.DPI = 300
	}
	return &Loader{cfg: cfg, logger: logger}
}

// Load decodes data according to its declared media type. Images yield one
// page; PDFs yield one page per embedded page.
func (l *Loader) Load(data []byte, mediaType string) ([]Page, error) {
	switch constants.MapMediaTypeToFormat(mediaType) {
	case constants.PDF:
		return l.loadPDF(data)
	case constants.IMAGE:
		return l.loadImage(data, mediaType)
	default:
		l.logger.Error("unsupported media type", "media_type", mediaType)
		return nil, common.NewPipelineError(common.KindUnsupportedFormat, "media type "+mediaType, nil)
	}
}

func (l *Loader) loadPDF(data []byte) ([]Page, error) {
	doc, err := fitz.NewFromMemory(data)
	if err != nil {
		return nil, common.NewPipelineError(common.KindCorruptDocument, "opening pdf", err)
	}
	defer doc.Close()

	pages := make([]Page, 0, doc.NumPage())
	for i := 0; i < doc.NumPage(); i++ {
		img, err := doc.ImageDPI(i, float64(l.cfg.DPI))
		if err != nil {
			return nil, common.NewPipelineError(common.KindCorruptDocument, "rendering pdf page", err)
		}
		pages = append(pages, Page{Image: l.prepare(img), Index: i})
	}
	l.logger.Debug("pdf rasterized", "pages", len(pages), "dpi", l.cfg.DPI)
	return pages, nil
}

func (l *Loader) loadImage(data []byte, mediaType string) ([]Page, error) {
	var img image.Image
	var err error
	if isHEIC(data, mediaType) {
		img, err = heic.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, common.NewPipelineError(common.KindCorruptDocument, "decoding heic image", err)
		}
	} else {
		img, _, err = image.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, common.NewPipelineError(common.KindCorruptDocument, "decoding image", err)
		}
	}
	return []Page{{Image: l.prepare(img), Index: 0}}, nil
}

func (l *Loader) prepare(img image.Image) image.Image {
	if !l.cfg.Enhance {
		return img
	}
	return enhanceForOCR(img)
}

// isHEIC sniffs the ftyp box brands; the declared media type alone is not
// trusted since phones frequently mislabel HEIC as jpeg.
func isHEIC(data []byte, mediaType string) bool {
	mt := constants.NormalizeMediaType(mediaType)
	if mt == "image/heic" || mt == "image/heif" {
		return true
	}
	if len(data) < 12 || string(data[4:8]) != "ftyp" {
		return false
	}
	switch string(data[8:12]) {
	case "heic", "heif", "mif1", "msf1":
		return true
	}
	return false
}
