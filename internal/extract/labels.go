package extract

import "regexp"

// Label forms observed on real invoices. Matching is anchored on these so a
// stray token that merely looks like a value never produces a candidate on
// its own.
var (
	invoiceLabelRe = regexp.MustCompile(`(?i)\b(?:invoice|inv|bill|reference|ref)\b\s*(?:no\.?|number|num\.?|#)?\s*[:#]?`)
	totalLabelRe   = regexp.MustCompile(`(?i)\b(?:grand\s+total|total\s+(?:amount|due)|amount\s+(?:due|payable)|balance\s+due|total|amount|balance)\b\s*[:]?`)
	dueLabelRe     = regexp.MustCompile(`(?i)\b(?:due\s*(?:date|by|on)?|payment\s+due|payable\s+(?:by|on)|pay\s+by)\b\s*[:]?`)
)

// labelMatch is one label occurrence within a clustered line.
type labelMatch struct {
	line  *line
	start int // byte offset of the label within the line text
	end   int // byte offset just past the label
}

// findLabels locates every occurrence of re across the lines.
func findLabels(lines []line, re *regexp.Regexp) []labelMatch {
	var out []labelMatch
	for i := range lines {
		for _, loc := range re.FindAllStringIndex(lines[i].text, -1) {
			out = append(out, labelMatch{line: &lines[i], start: loc[0], end: loc[1]})
		}
	}
	return out
}
