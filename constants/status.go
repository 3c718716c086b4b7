package constants

// InvoiceStatus is the canonical status for rows in invoices.
type InvoiceStatus string

// Stable values (store these exact strings in DB).
const (
	StatusReceived    InvoiceStatus = "received"     // row created at webhook receipt
	StatusProcessing  InvoiceStatus = "processing"   // OCR + extraction started
	StatusProcessed   InvoiceStatus = "processed"    // terminal: all required fields resolved
	StatusNeedsReview InvoiceStatus = "needs_review" // terminal: ambiguous extraction, human review
	StatusFailed      InvoiceStatus = "failed"       // terminal: unrecoverable stage error
)

// transitions is the closed forward-only state machine. Anything not listed
// here is illegal, including skipping processing.
var transitions = map[InvoiceStatus][]InvoiceStatus{
	StatusReceived:   {StatusProcessing},
	StatusProcessing: {StatusProcessed, StatusNeedsReview, StatusFailed},
}

// CanTransition reports whether from -> to is a legal status transition.
func CanTransition(from, to InvoiceStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether s is a terminal status.
func (s InvoiceStatus) Terminal() bool {
	switch s {
	case StatusProcessed, StatusNeedsReview, StatusFailed:
		return true
	}
	return false
}

// Valid reports whether s is one of the known statuses.
func (s InvoiceStatus) Valid() bool {
	switch s {
	case StatusReceived, StatusProcessing, StatusProcessed, StatusNeedsReview, StatusFailed:
		return true
	}
	return false
}
