package validate

import (
	"log/slog"
	"sort"
	"time"

	"github.com/invoiceflow/invoiceflow/internal/extract"
)

// Config holds the plausibility and confidence thresholds.
type Config struct {
	ConfidenceFloor float64       // minimum winning confidence, default 0.60
	TieEpsilon      float64       // confidences within this are a tie, default 0.05
	AmountCeiling   float64       // totals at or above this are implausible
	DueDateGrace    time.Duration // how far before receipt a due date may fall
}

func (c Config) withDefaults() Config {
	if c.ConfidenceFloor <= 0 {
		c.ConfidenceFloor = 0.60
	}
	if c.TieEpsilon <= 0 {
		c.TieEpsilon = 0.05
	}
	if c.AmountCeiling <= 0 {
		c.AmountCeiling = 1_000_000
	}
	if c.DueDateGrace <= 0 {
		c.DueDateGrace = 30 * 24 * time.Hour
	}
	return c
}

// Result is the validator's verdict over one document's candidate sets.
// Confident means both invoice number and total resolved at or above the
// floor; anything less routes the record to manual review. A field's
// winner is kept even below the floor so the review row shows the best
// reading the extractor had.
type Result struct {
	InvoiceNumber *extract.Candidate
	TotalAmount   *extract.Candidate
	DueDate       *extract.Candidate
	Confident     bool
}

type Validator struct {
	cfg    Config
	logger *slog.Logger
}

func NewValidator(cfg Config, logger *slog.Logger) *Validator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Validator{cfg: cfg.withDefaults(), logger: logger}
}

// Validate picks a winner per field and classifies the outcome. receivedAt
// anchors the due-date plausibility window.
func (v *Validator) Validate(cands extract.Candidates, receivedAt time.Time) Result {
	var res Result
	res.InvoiceNumber = v.pick(cands[extract.FieldInvoiceNumber])
	res.TotalAmount = v.pick(v.plausibleAmounts(cands[extract.FieldTotalAmount]))
	res.DueDate = v.pick(v.plausibleDates(cands[extract.FieldDueDate], receivedAt))

	res.Confident = v.atFloor(res.InvoiceNumber) && v.atFloor(res.TotalAmount)

	v.logger.Debug("validate.result",
		"confident", res.Confident,
		"have_number", res.InvoiceNumber != nil,
		"have_total", res.TotalAmount != nil,
		"have_due_date", res.DueDate != nil,
	)
	return res
}

// atFloor reports whether the field resolved with confidence at or above
// the floor.
func (v *Validator) atFloor(c *extract.Candidate) bool {
	return c != nil && c.Confidence >= v.cfg.ConfidenceFloor
}

// pick returns the winning candidate, or nil when no candidate survives.
// Ranking: highest confidence first; confidences within the epsilon count
// as tied and fall through to smaller label distance, then larger amount,
// then the fragment lower on the page. A winner below the confidence floor
// is still returned, it just cannot make the record confident.
func (v *Validator) pick(cands []extract.Candidate) *extract.Candidate {
	if len(cands) == 0 {
		return nil
	}
	ranked := make([]extract.Candidate, len(cands))
	copy(ranked, cands)
	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if diff := a.Confidence - b.Confidence; diff > v.cfg.TieEpsilon || diff < -v.cfg.TieEpsilon {
			return a.Confidence > b.Confidence
		}
		if a.LabelDistance != b.LabelDistance {
			return a.LabelDistance < b.LabelDistance
		}
		if a.Amount != b.Amount {
			return a.Amount > b.Amount
		}
		return a.Source.Box.Y > b.Source.Box.Y
	})
	return &ranked[0]
}

// plausibleAmounts drops totals that cannot be real: non-positive values
// and values at or beyond the ceiling.
func (v *Validator) plausibleAmounts(cands []extract.Candidate) []extract.Candidate {
	var out []extract.Candidate
	for _, c := range cands {
		if c.Amount <= 0 || c.Amount >= v.cfg.AmountCeiling {
			v.logger.Debug("validate.amount.implausible", "raw", c.Raw, "amount", c.Amount)
			continue
		}
		out = append(out, c)
	}
	return out
}

// plausibleDates drops due dates further in the past than the grace window
// allows. Invoices already slightly overdue at receipt are normal; one due
// years ago is a misread.
func (v *Validator) plausibleDates(cands []extract.Candidate, receivedAt time.Time) []extract.Candidate {
	cutoff := receivedAt.Add(-v.cfg.DueDateGrace)
	var out []extract.Candidate
	for _, c := range cands {
		if c.Date.Before(cutoff) {
			v.logger.Debug("validate.due_date.implausible", "raw", c.Raw, "date", c.Date.Format("2006-01-02"))
			continue
		}
		out = append(out, c)
	}
	return out
}
