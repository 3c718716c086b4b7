package extract

import (
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/invoiceflow/invoiceflow/internal/ocrengine"
)

// Field names the invoice fields the extractor targets.
type Field string

const (
	FieldInvoiceNumber Field = "invoice_number"
	FieldTotalAmount   Field = "total_amount"
	FieldDueDate       Field = "due_date"
)

// Candidate is one possible value for a field, traced back to the fragment
// it came from. An empty candidate set for a field is a valid outcome, not
// an error: the field simply stays unresolved.
type Candidate struct {
	Field         Field
	Raw           string    // token as recognized
	Value         string    // normalized invoice number
	Amount        float64   // parsed total
	Date          time.Time // parsed due date (UTC, date precision)
	Confidence    float64   // from the source fragment, unmodified
	LowConfidence bool      // below the configured floor; kept for the validator
	LabelDistance float64   // px distance from the value to its label anchor
	Source        ocrengine.Fragment
}

// Candidates groups candidates per field.
type Candidates map[Field][]Candidate

// Config holds the extractor thresholds.
type Config struct {
	ConfidenceFloor float64 // default 0.60
}

// Extractor applies per-field strategies over a shared fragment sequence.
type Extractor struct {
	cfg    Config
	logger *slog.Logger
}

func NewExtractor(cfg Config, logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ConfidenceFloor <= 0 {
		cfg.ConfidenceFloor = 0.60
	}
	return &Extractor{cfg: cfg, logger: logger}
}

// Extract produces candidate sets for every target field.
func (e *Extractor) Extract(frags []ocrengine.Fragment) Candidates {
	lines := clusterLines(frags)

	out := Candidates{}
	out[FieldInvoiceNumber] = e.flag(extractInvoiceNumbers(lines))
	out[FieldTotalAmount] = e.flag(extractTotals(lines))
	out[FieldDueDate] = e.flag(extractDueDates(lines))

	e.logger.Debug("extract.candidates",
		"invoice_number", len(out[FieldInvoiceNumber]),
		"total_amount", len(out[FieldTotalAmount]),
		"due_date", len(out[FieldDueDate]),
	)
	return out
}

// flag marks low-confidence candidates instead of dropping them; the
// validator decides what to do with them.
func (e *Extractor) flag(cands []Candidate) []Candidate {
	for i := range cands {
		if cands[i].Confidence < e.cfg.ConfidenceFloor {
			cands[i].LowConfidence = true
		}
	}
	return cands
}

// line is a cluster of fragments sharing a visual row on one page.
type line struct {
	page    int
	frags   []ocrengine.Fragment // sorted left to right
	text    string               // fragment texts joined with single spaces
	offsets []int                // start offset of each fragment within text
}

// sourceAt returns the fragment covering byte offset off within l.text.
func (l *line) sourceAt(off int) ocrengine.Fragment {
	for i := len(l.frags) - 1; i >= 0; i-- {
		if off >= l.offsets[i] {
			return l.frags[i]
		}
	}
	return l.frags[0]
}

// clusterLines groups fragments into reading-order lines by vertical-center
// overlap. The OCR sequence is only roughly ordered; skewed scans report
// fragments out of order, so clustering goes by geometry, not arrival order.
func clusterLines(frags []ocrengine.Fragment) []line {
	if len(frags) == 0 {
		return nil
	}
	sorted := make([]ocrengine.Fragment, len(frags))
	copy(sorted, frags)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Page != sorted[j].Page {
			return sorted[i].Page < sorted[j].Page
		}
		return sorted[i].Box.CenterY() < sorted[j].Box.CenterY()
	})

	var lines []line
	var cur []ocrengine.Fragment
	flush := func() {
		if len(cur) == 0 {
			return
		}
		sort.SliceStable(cur, func(i, j int) bool { return cur[i].Box.X < cur[j].Box.X })
		ln := line{page: cur[0].Page, frags: cur}
		var b strings.Builder
		for i, f := range cur {
			if i > 0 {
				b.WriteByte(' ')
			}
			ln.offsets = append(ln.offsets, b.Len())
			b.WriteString(f.Text)
		}
		ln.text = b.String()
		lines = append(lines, ln)
		cur = nil
	}

	for _, f := range sorted {
		if len(cur) > 0 {
			prev := cur[len(cur)-1]
			tol := math.Max(float64(prev.Box.H), float64(f.Box.H)) / 2
			if f.Page != prev.Page || math.Abs(f.Box.CenterY()-prev.Box.CenterY()) > tol {
				flush()
			}
		}
		cur = append(cur, f)
	}
	flush()
	return lines
}

// labelDistance is the Euclidean distance between two fragment centers.
func labelDistance(label, value ocrengine.Fragment) float64 {
	dx := label.Box.CenterX() - value.Box.CenterX()
	dy := label.Box.CenterY() - value.Box.CenterY()
	return math.Hypot(dx, dy)
}

// nearLabel reports whether value sits in the spatial neighborhood of label:
// the same visual row or a few rows directly below, horizontally anchored to
// the label. Thresholds scale with the label height so they hold across DPI.
func nearLabel(label, value ocrengine.Fragment) bool {
	if label.Page != value.Page {
		return false
	}
	h := math.Max(float64(label.Box.H), 8)
	dy := value.Box.CenterY() - label.Box.CenterY()
	if dy < -0.8*h || dy > 3.5*h {
		return false
	}
	dx := math.Abs(value.Box.CenterX() - label.Box.CenterX())
	return dx <= 14*h
}
