package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/invoiceflow/invoiceflow/constants"
	"github.com/invoiceflow/invoiceflow/internal/common"
	"github.com/invoiceflow/invoiceflow/internal/document"
	"github.com/invoiceflow/invoiceflow/internal/extract"
	"github.com/invoiceflow/invoiceflow/internal/notify"
	"github.com/invoiceflow/invoiceflow/internal/ocrengine"
	"github.com/invoiceflow/invoiceflow/internal/store"
	"github.com/invoiceflow/invoiceflow/internal/validate"
)

// Attachment is one inbound document ready for processing.
type Attachment struct {
	Sender    string // WhatsApp identity of the submitter
	MediaType string // as reported by the provider
	Data      []byte
	MessageID string // provider message id, used for logging only
}

// Result reports where an ingested document ended up.
type Result struct {
	InvoiceID string
	Status    constants.InvoiceStatus
	Dedup     bool
}

// DocumentLoader decodes raw attachment bytes into pages.
type DocumentLoader interface {
	Load(data []byte, mediaType string) ([]document.Page, error)
}

// Pipeline drives one document from raw bytes to a terminal status. Every
// ingest leaves exactly one row outcome: processed, needs_review, failed,
// or collapsed into an existing processed row.
type Pipeline struct {
	loader    DocumentLoader
	engine    ocrengine.Engine
	extractor *extract.Extractor
	validator *validate.Validator
	store     store.Store
	notifier  notify.Notifier
	cfg       common.PipelineConfig
	logger    *slog.Logger
}

func New(
	loader DocumentLoader,
	engine ocrengine.Engine,
	extractor *extract.Extractor,
	validator *validate.Validator,
	st store.Store,
	notifier notify.Notifier,
	cfg common.PipelineConfig,
	logger *slog.Logger,
) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		loader:    loader,
		engine:    engine,
		extractor: extractor,
		validator: validator,
		store:     st,
		notifier:  notifier,
		cfg:       cfg,
		logger:    logger,
	}
}

// Ingest runs the full unit of work for one attachment. The bookkeeping
// row is created before any processing so a crash mid-flight still leaves
// a trace of the submission.
func (p *Pipeline) Ingest(ctx context.Context, att Attachment) (Result, error) {
	if p.cfg.UnitTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.UnitTimeout)
		defer cancel()
	}

	inv, err := p.store.CreateReceived(ctx, att.Sender)
	if err != nil {
		return Result{}, fmt.Errorf("record submission: %w", err)
	}
	log := p.logger.With("invoice_id", inv.ID, "sender", att.Sender, "message_id", att.MessageID)

	if err := p.store.MarkProcessing(ctx, inv.ID); err != nil {
		return Result{}, fmt.Errorf("mark processing: %w", err)
	}

	frags, err := p.recognize(ctx, att)
	if err != nil {
		return p.fail(ctx, log, inv.ID, err)
	}
	log.Info("pipeline.ocr.ok", "fragments", len(frags))

	cands := p.extractor.Extract(frags)
	res := p.validator.Validate(cands, inv.ReceivedAt)
	fields := fieldsFrom(res)

	if !res.Confident {
		if err := p.store.CompleteNeedsReview(ctx, inv.ID, fields); err != nil {
			return Result{}, fmt.Errorf("mark needs_review: %w", err)
		}
		log.Info("pipeline.needs_review",
			"have_number", res.InvoiceNumber != nil,
			"have_total", res.TotalAmount != nil,
		)
		return Result{InvoiceID: inv.ID, Status: constants.StatusNeedsReview}, nil
	}

	finalID, dedup, err := p.store.CompleteProcessed(ctx, inv.ID, fields)
	if err != nil {
		return Result{}, fmt.Errorf("finalize processed: %w", err)
	}
	log.Info("pipeline.processed", "final_id", finalID, "dedup", dedup)

	p.sendConfirmation(ctx, log, att.Sender, finalID, res, dedup)
	return Result{InvoiceID: finalID, Status: constants.StatusProcessed, Dedup: dedup}, nil
}

// recognize decodes the document and runs OCR one page at a time, so a
// large PDF never holds more than one rasterized page plus its fragments.
func (p *Pipeline) recognize(ctx context.Context, att Attachment) ([]ocrengine.Fragment, error) {
	pages, err := p.loader.Load(att.Data, att.MediaType)
	if err != nil {
		return nil, err
	}
	var frags []ocrengine.Fragment
	for _, page := range pages {
		pf, err := p.engine.Recognize(ctx, page)
		if err != nil {
			return nil, err
		}
		frags = append(frags, pf...)
	}
	return frags, nil
}

// fail lands the row in failed with the error kind. The original error is
// returned; a bookkeeping failure on top of it is only logged.
func (p *Pipeline) fail(ctx context.Context, log *slog.Logger, id string, cause error) (Result, error) {
	kind := common.KindOf(cause)
	if kind == "" {
		kind = common.KindOCREngine
	}
	if err := p.store.MarkFailed(ctx, id, kind); err != nil {
		log.Error("pipeline.mark_failed", "error", err)
	}
	log.Warn("pipeline.failed", "kind", string(kind), "error", cause)
	return Result{InvoiceID: id, Status: constants.StatusFailed}, cause
}

func (p *Pipeline) sendConfirmation(ctx context.Context, log *slog.Logger, to, finalID string, res validate.Result, dedup bool) {
	if p.notifier == nil {
		return
	}
	var total float64
	if res.TotalAmount != nil {
		total = res.TotalAmount.Amount
	}
	err := p.notifier.SendProcessed(ctx, to, res.InvoiceNumber.Value, total, dedup)
	if err != nil {
		// Confirmation is best effort; the record is already final.
		log.Warn("pipeline.notify.error", "final_id", finalID, "error", err)
	}
}

func fieldsFrom(res validate.Result) store.Fields {
	var f store.Fields
	if res.InvoiceNumber != nil {
		f.InvoiceNumber = &res.InvoiceNumber.Value
	}
	if res.TotalAmount != nil {
		f.TotalAmount = &res.TotalAmount.Amount
	}
	if res.DueDate != nil {
		f.DueDate = &res.DueDate.Date
	}
	return f
}
