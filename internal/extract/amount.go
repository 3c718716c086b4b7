package extract

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/invoiceflow/invoiceflow/internal/ocrengine"
)

var (
	amountTokenRe      = regexp.MustCompile(`[$£€₹]?\s?\d[\d.,]*`)
	amountWholeTokenRe = regexp.MustCompile(`^[$£€₹]?\s?\d[\d.,]*$`)
)

// parseAmount normalizes a monetary token into a float. Currency symbols
// are stripped; both "1,250.00" and "1.250,00" styles resolve to 1250.
func parseAmount(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	for _, sym := range []string{"$", "£", "€", "₹"} {
		s = strings.ReplaceAll(s, sym, "")
	}
	s = strings.ReplaceAll(s, " ", "")
	s = strings.TrimRight(s, ".,")
	if s == "" {
		return 0, false
	}

	lastComma := strings.LastIndexByte(s, ',')
	lastDot := strings.LastIndexByte(s, '.')

	switch {
	case lastComma >= 0 && lastDot >= 0:
		// Both present: the later one is the decimal separator.
		if lastComma > lastDot {
			s = strings.ReplaceAll(s, ".", "")
			s = strings.Replace(s, ",", ".", 1)
		} else {
			s = strings.ReplaceAll(s, ",", "")
		}
	case lastComma >= 0:
		s = resolveSingleSeparator(s, ",")
	case lastDot >= 0:
		s = resolveSingleSeparator(s, ".")
	}

	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// resolveSingleSeparator disambiguates a number using only one of comma or
// period: a single separator followed by one or two digits is decimal,
// anything else is a thousands grouping.
func resolveSingleSeparator(s, sep string) string {
	last := strings.LastIndex(s, sep)
	tail := len(s) - last - 1
	if strings.Count(s, sep) == 1 && (tail == 1 || tail == 2) {
		return s[:last] + "." + s[last+1:]
	}
	return strings.ReplaceAll(s, sep, "")
}

func extractTotals(lines []line) []Candidate {
	var out []Candidate
	seen := map[string]bool{}

	add := func(raw string, amount float64, label, source ocrengine.Fragment) {
		key := raw + "|" + fragKey(source)
		if seen[key] {
			return
		}
		seen[key] = true
		out = append(out, Candidate{
			Field:         FieldTotalAmount,
			Raw:           raw,
			Amount:        amount,
			Confidence:    source.Confidence,
			LabelDistance: labelDistance(label, source),
			Source:        source,
		})
	}

	for _, lm := range findLabels(lines, totalLabelRe) {
		label := lm.line.sourceAt(lm.start)
		found := false

		rest := lm.line.text[lm.end:]
		for _, loc := range amountTokenRe.FindAllStringIndex(rest, -1) {
			raw := rest[loc[0]:loc[1]]
			v, ok := parseAmount(raw)
			if !ok {
				continue
			}
			add(raw, v, label, lm.line.sourceAt(lm.end+loc[0]))
			found = true
		}
		if found {
			continue
		}

		// No inline amount: the figure usually sits in the next cell
		// down or across from the label.
		for _, ln := range lines {
			for _, f := range ln.frags {
				if f == label || !nearLabel(label, f) {
					continue
				}
				tok := strings.TrimSpace(f.Text)
				if !amountWholeTokenRe.MatchString(tok) {
					continue
				}
				v, ok := parseAmount(tok)
				if !ok {
					continue
				}
				add(tok, v, label, f)
			}
		}
	}
	return out
}
