package extract

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/invoiceflow/invoiceflow/internal/ocrengine"
)

// Identifier tokens: alphanumeric with optional dash or slash separators,
// at least three characters and at least one digit. The digit requirement
// keeps heading words next to a label ("INVOICE DATE") out of the pool.
var (
	invoiceInlineRe = regexp.MustCompile(`[A-Za-z0-9][A-Za-z0-9/-]{2,}`)
	invoiceTokenRe  = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9/-]{2,}$`)
	hasDigitRe      = regexp.MustCompile(`\d`)
)

func fragKey(f ocrengine.Fragment) string {
	return fmt.Sprintf("%d:%d:%d", f.Page, f.Box.X, f.Box.Y)
}

func extractInvoiceNumbers(lines []line) []Candidate {
	var out []Candidate
	seen := map[string]bool{}

	add := func(raw string, label, source ocrengine.Fragment) {
		value := strings.TrimRight(raw, ".,:;")
		if !hasDigitRe.MatchString(value) {
			return
		}
		key := value + "|" + fragKey(source)
		if seen[key] {
			return
		}
		seen[key] = true
		out = append(out, Candidate{
			Field:         FieldInvoiceNumber,
			Raw:           raw,
			Value:         strings.ToUpper(value),
			Confidence:    source.Confidence,
			LabelDistance: labelDistance(label, source),
			Source:        source,
		})
	}

	for _, lm := range findLabels(lines, invoiceLabelRe) {
		// A dash or slash hugging the label means it matched inside an
		// identifier ("INV-2024-001"), not a real label.
		txt := lm.line.text
		if lm.end < len(txt) && (txt[lm.end] == '-' || txt[lm.end] == '/') {
			continue
		}
		if lm.start > 0 && (txt[lm.start-1] == '-' || txt[lm.start-1] == '/') {
			continue
		}
		label := lm.line.sourceAt(lm.start)

		rest := lm.line.text[lm.end:]
		if loc := invoiceInlineRe.FindStringIndex(rest); loc != nil {
			raw := rest[loc[0]:loc[1]]
			add(raw, label, lm.line.sourceAt(lm.end+loc[0]))
			continue
		}

		// Label with no inline value: look at fragments in the spatial
		// neighborhood, typically the cell below or to the right.
		for _, ln := range lines {
			for _, f := range ln.frags {
				if f == label || !nearLabel(label, f) {
					continue
				}
				tok := strings.TrimRight(f.Text, ".,:;")
				if invoiceTokenRe.MatchString(tok) && hasDigitRe.MatchString(tok) {
					add(f.Text, label, f)
				}
			}
		}
	}
	return out
}
