package extract

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/invoiceflow/invoiceflow/internal/ocrengine"
)

var (
	isoDateRe     = regexp.MustCompile(`\b(\d{4})-(\d{2})-(\d{2})\b`)
	numericDateRe = regexp.MustCompile(`\b(\d{1,2})[/.-](\d{1,2})[/.-](\d{2,4})\b`)
	monthDayRe    = regexp.MustCompile(`(?i)\b(jan|feb|mar|apr|may|jun|jul|aug|sep|oct|nov|dec)[a-z]*\.?\s+(\d{1,2})(?:st|nd|rd|th)?,?\s+(\d{4})\b`)
	dayMonthRe    = regexp.MustCompile(`(?i)\b(\d{1,2})(?:st|nd|rd|th)?\s+(jan|feb|mar|apr|may|jun|jul|aug|sep|oct|nov|dec)[a-z]*\.?,?\s+(\d{4})\b`)
)

var monthNums = map[string]time.Month{
	"jan": time.January, "feb": time.February, "mar": time.March,
	"apr": time.April, "may": time.May, "jun": time.June,
	"jul": time.July, "aug": time.August, "sep": time.September,
	"oct": time.October, "nov": time.November, "dec": time.December,
}

// parseDates returns every plausible reading of a date token. Numeric forms
// where both leading components could be a month ("03/04/2024") yield two
// readings; the validator settles which one survives.
func parseDates(s string) []time.Time {
	if m := isoDateRe.FindStringSubmatch(s); m != nil {
		if t, ok := makeDate(m[1], m[2], m[3]); ok {
			return []time.Time{t}
		}
		return nil
	}
	if m := monthDayRe.FindStringSubmatch(s); m != nil {
		if t, ok := makeNamedDate(m[3], m[1], m[2]); ok {
			return []time.Time{t}
		}
		return nil
	}
	if m := dayMonthRe.FindStringSubmatch(s); m != nil {
		if t, ok := makeNamedDate(m[3], m[2], m[1]); ok {
			return []time.Time{t}
		}
		return nil
	}
	if m := numericDateRe.FindStringSubmatch(s); m != nil {
		a, _ := strconv.Atoi(m[1])
		b, _ := strconv.Atoi(m[2])
		year := expandYear(m[3])
		var out []time.Time
		if t, ok := buildDate(year, b, a); ok { // day/month/year
			out = append(out, t)
		}
		if a != b {
			if t, ok := buildDate(year, a, b); ok { // month/day/year
				out = append(out, t)
			}
		}
		return out
	}
	return nil
}

func makeDate(y, m, d string) (time.Time, bool) {
	yi, _ := strconv.Atoi(y)
	mi, _ := strconv.Atoi(m)
	di, _ := strconv.Atoi(d)
	return buildDate(yi, mi, di)
}

func makeNamedDate(year, month, day string) (time.Time, bool) {
	mo, ok := monthNums[strings.ToLower(month[:3])]
	if !ok {
		return time.Time{}, false
	}
	yi, _ := strconv.Atoi(year)
	di, _ := strconv.Atoi(day)
	return buildDate(yi, int(mo), di)
}

func buildDate(year, month, day int) (time.Time, bool) {
	if month < 1 || month > 12 || day < 1 || day > 31 {
		return time.Time{}, false
	}
	t := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	// Reject rollovers like February 30.
	if t.Day() != day || t.Month() != time.Month(month) {
		return time.Time{}, false
	}
	return t, true
}

func expandYear(s string) int {
	y, _ := strconv.Atoi(s)
	if len(s) == 2 {
		return 2000 + y
	}
	return y
}

// dateTokenRe finds any substring that one of the date forms could match.
var dateTokenRe = regexp.MustCompile(`(?i)\d{4}-\d{2}-\d{2}|\d{1,2}[/.-]\d{1,2}[/.-]\d{2,4}|(?:jan|feb|mar|apr|may|jun|jul|aug|sep|oct|nov|dec)[a-z]*\.?\s+\d{1,2}(?:st|nd|rd|th)?,?\s+\d{4}|\d{1,2}(?:st|nd|rd|th)?\s+(?:jan|feb|mar|apr|may|jun|jul|aug|sep|oct|nov|dec)[a-z]*\.?,?\s+\d{4}`)

func extractDueDates(lines []line) []Candidate {
	var out []Candidate
	seen := map[string]bool{}

	add := func(raw string, t time.Time, label, source ocrengine.Fragment) {
		key := raw + "|" + t.Format("2006-01-02") + "|" + fragKey(source)
		if seen[key] {
			return
		}
		seen[key] = true
		out = append(out, Candidate{
			Field:         FieldDueDate,
			Raw:           raw,
			Date:          t,
			Confidence:    source.Confidence,
			LabelDistance: labelDistance(label, source),
			Source:        source,
		})
	}

	for _, lm := range findLabels(lines, dueLabelRe) {
		label := lm.line.sourceAt(lm.start)
		found := false

		rest := lm.line.text[lm.end:]
		for _, loc := range dateTokenRe.FindAllStringIndex(rest, -1) {
			raw := rest[loc[0]:loc[1]]
			src := lm.line.sourceAt(lm.end + loc[0])
			for _, t := range parseDates(raw) {
				add(raw, t, label, src)
				found = true
			}
		}
		if found {
			continue
		}

		for _, ln := range lines {
			for _, f := range ln.frags {
				if f == label || !nearLabel(label, f) {
					continue
				}
				raw := dateTokenRe.FindString(f.Text)
				if raw == "" {
					continue
				}
				for _, t := range parseDates(raw) {
					add(raw, t, label, f)
				}
			}
		}
	}
	return out
}
