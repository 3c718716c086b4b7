package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/invoiceflow/invoiceflow/constants"
	"github.com/invoiceflow/invoiceflow/internal/common"
)

var (
	ErrNotFound          = errors.New("invoice not found")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Invoice is one persisted record. Nullable columns map to pointers; a nil
// InvoiceNumber on a needs_review row means the field never resolved.
type Invoice struct {
	ID             string
	InvoiceNumber  *string
	TotalAmount    *float64
	DueDate        *time.Time
	SenderWhatsApp string
	Status         constants.InvoiceStatus
	ErrorKind      *string
	ReceivedAt     time.Time
}

// Fields carries the extracted values persisted at finalize time.
type Fields struct {
	InvoiceNumber *string
	TotalAmount   *float64
	DueDate       *time.Time
}

// ListFilter narrows List output. Zero values mean no filtering.
type ListFilter struct {
	Status constants.InvoiceStatus
	Sender string
	Limit  int
}

// Store persists invoices and enforces the status lifecycle. Every write
// path lands the row in an explicit status; there is no update that leaves
// the lifecycle ambiguous.
type Store interface {
	CreateReceived(ctx context.Context, sender string) (Invoice, error)
	MarkProcessing(ctx context.Context, id string) error
	CompleteProcessed(ctx context.Context, id string, f Fields) (finalID string, dedup bool, err error)
	CompleteNeedsReview(ctx context.Context, id string, f Fields) error
	MarkFailed(ctx context.Context, id string, kind common.ErrorKind) error
	GetByID(ctx context.Context, id string) (Invoice, error)
	List(ctx context.Context, filter ListFilter) ([]Invoice, error)
	Close() error
}

// SQLStore implements Store over database/sql. It works against both the
// postgres and sqlite drivers registered in this package.
type SQLStore struct {
	db     *sql.DB
	keys   *keyedMutex
	logger *slog.Logger
}

func NewSQLStore(db *sql.DB, logger *slog.Logger) *SQLStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &SQLStore{db: db, keys: newKeyedMutex(), logger: logger}
}

func (s *SQLStore) Close() error { return s.db.Close() }

// CreateReceived inserts the bookkeeping row for a document the moment it
// arrives. received_at is set here and never updated afterwards.
func (s *SQLStore) CreateReceived(ctx context.Context, sender string) (Invoice, error) {
	if sender == "" {
		return Invoice{}, fmt.Errorf("create received: sender is required")
	}
	inv := Invoice{
		ID:             uuid.NewString(),
		SenderWhatsApp: sender,
		Status:         constants.StatusReceived,
		ReceivedAt:     time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO invoices (id, sender_whatsapp, status, received_at) VALUES ($1, $2, $3, $4)`,
		inv.ID, inv.SenderWhatsApp, string(inv.Status), inv.ReceivedAt,
	)
	if err != nil {
		return Invoice{}, fmt.Errorf("insert received row: %w", err)
	}
	s.logger.Info("store.invoice.received", "id", inv.ID, "sender", sender)
	return inv, nil
}

// MarkProcessing moves received -> processing.
func (s *SQLStore) MarkProcessing(ctx context.Context, id string) error {
	return s.transition(ctx, id, constants.StatusProcessing, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE invoices SET status = $1 WHERE id = $2`,
			string(constants.StatusProcessing), id,
		)
		return err
	})
}

// CompleteProcessed moves processing -> processed with the resolved fields.
// When another processed row already holds the same (sender, invoice number)
// key, the in-flight row is discarded and the existing row's ID is returned
// with dedup set. The per-key mutex serializes the check-then-write; the
// partial unique index backstops anything it cannot see.
func (s *SQLStore) CompleteProcessed(ctx context.Context, id string, f Fields) (string, bool, error) {
	if f.InvoiceNumber == nil || *f.InvoiceNumber == "" {
		return "", false, fmt.Errorf("processed row requires an invoice number")
	}
	if f.TotalAmount == nil {
		return "", false, fmt.Errorf("processed row requires a total amount")
	}

	cur, err := s.GetByID(ctx, id)
	if err != nil {
		return "", false, err
	}
	number := *f.InvoiceNumber

	unlock := s.keys.Lock(cur.SenderWhatsApp + "|" + number)
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", false, fmt.Errorf("begin finalize: %w", err)
	}
	defer tx.Rollback()

	status, err := currentStatus(ctx, tx, id)
	if err != nil {
		return "", false, err
	}
	if !constants.CanTransition(status, constants.StatusProcessed) {
		return "", false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, status, constants.StatusProcessed)
	}

	var existingID string
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM invoices
		 WHERE sender_whatsapp = $1 AND invoice_number = $2 AND status = $3 AND id <> $4`,
		cur.SenderWhatsApp, number, string(constants.StatusProcessed), id,
	).Scan(&existingID)
	switch {
	case err == nil:
		if _, err := tx.ExecContext(ctx, `DELETE FROM invoices WHERE id = $1`, id); err != nil {
			return "", false, fmt.Errorf("discard duplicate row: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return "", false, fmt.Errorf("commit dedup: %w", err)
		}
		s.logger.Info("store.invoice.dedup",
			"id", id, "existing_id", existingID,
			"sender", cur.SenderWhatsApp, "invoice_number", number,
		)
		return existingID, true, nil
	case errors.Is(err, sql.ErrNoRows):
		// no duplicate, finalize below
	default:
		return "", false, fmt.Errorf("dedup lookup: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE invoices
		 SET invoice_number = $1, total_amount = $2, due_date = $3, status = $4, error_kind = NULL
		 WHERE id = $5`,
		number, roundCents(*f.TotalAmount), f.DueDate, string(constants.StatusProcessed), id,
	)
	if err != nil {
		if isUniqueViolation(err) {
			tx.Rollback()
			return s.adoptExisting(ctx, id, cur.SenderWhatsApp, number)
		}
		return "", false, fmt.Errorf("finalize processed: %w", err)
	}
	if err := tx.Commit(); err != nil {
		if isUniqueViolation(err) {
			return s.adoptExisting(ctx, id, cur.SenderWhatsApp, number)
		}
		return "", false, fmt.Errorf("commit processed: %w", err)
	}

	s.logger.Info("store.invoice.processed",
		"id", id, "sender", cur.SenderWhatsApp, "invoice_number", number,
	)
	return id, false, nil
}

// adoptExisting resolves an index collision lost outside the mutex: drop
// the in-flight row and point the caller at the row that won.
func (s *SQLStore) adoptExisting(ctx context.Context, id, sender, number string) (string, bool, error) {
	var existingID string
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM invoices
		 WHERE sender_whatsapp = $1 AND invoice_number = $2 AND status = $3`,
		sender, number, string(constants.StatusProcessed),
	).Scan(&existingID)
	if err != nil {
		return "", false, fmt.Errorf("locate winning row: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM invoices WHERE id = $1`, id); err != nil {
		return "", false, fmt.Errorf("discard duplicate row: %w", err)
	}
	s.logger.Info("store.invoice.dedup", "id", id, "existing_id", existingID, "sender", sender, "invoice_number", number)
	return existingID, true, nil
}

// CompleteNeedsReview moves processing -> needs_review, keeping whatever
// fields did resolve. Partial or absent fields are fine here.
func (s *SQLStore) CompleteNeedsReview(ctx context.Context, id string, f Fields) error {
	var amount *float64
	if f.TotalAmount != nil {
		a := roundCents(*f.TotalAmount)
		amount = &a
	}
	err := s.transition(ctx, id, constants.StatusNeedsReview, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE invoices
			 SET invoice_number = $1, total_amount = $2, due_date = $3, status = $4
			 WHERE id = $5`,
			f.InvoiceNumber, amount, f.DueDate, string(constants.StatusNeedsReview), id,
		)
		return err
	})
	if err == nil {
		s.logger.Info("store.invoice.needs_review", "id", id)
	}
	return err
}

// MarkFailed moves processing -> failed and records the error kind.
func (s *SQLStore) MarkFailed(ctx context.Context, id string, kind common.ErrorKind) error {
	err := s.transition(ctx, id, constants.StatusFailed, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE invoices SET status = $1, error_kind = $2 WHERE id = $3`,
			string(constants.StatusFailed), string(kind), id,
		)
		return err
	})
	if err == nil {
		s.logger.Info("store.invoice.failed", "id", id, "kind", string(kind))
	}
	return err
}

const invoiceColumns = `id, invoice_number, total_amount, due_date, sender_whatsapp, status, error_kind, received_at`

func (s *SQLStore) GetByID(ctx context.Context, id string) (Invoice, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+invoiceColumns+` FROM invoices WHERE id = $1`, id)
	inv, err := scanInvoice(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Invoice{}, ErrNotFound
	}
	return inv, err
}

func (s *SQLStore) List(ctx context.Context, filter ListFilter) ([]Invoice, error) {
	query := `SELECT ` + invoiceColumns + ` FROM invoices`
	var conds []string
	var args []any
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.Sender != "" {
		args = append(args, filter.Sender)
		conds = append(conds, fmt.Sprintf("sender_whatsapp = $%d", len(args)))
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY received_at DESC, id"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list invoices: %w", err)
	}
	defer rows.Close()

	var out []Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inv)
	}
	return out, rows.Err()
}

// transition wraps a status update in a transaction with the lifecycle
// guard: the row's current status must allow the move.
func (s *SQLStore) transition(ctx context.Context, id string, to constants.InvoiceStatus, apply func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transition: %w", err)
	}
	defer tx.Rollback()

	status, err := currentStatus(ctx, tx, id)
	if err != nil {
		return err
	}
	if !constants.CanTransition(status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, status, to)
	}
	if err := apply(tx); err != nil {
		return fmt.Errorf("apply %s: %w", to, err)
	}
	return tx.Commit()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func currentStatus(ctx context.Context, tx *sql.Tx, id string) (constants.InvoiceStatus, error) {
	var status string
	err := tx.QueryRowContext(ctx, `SELECT status FROM invoices WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("read status: %w", err)
	}
	return constants.InvoiceStatus(status), nil
}

func scanInvoice(row rowScanner) (Invoice, error) {
	var (
		inv    Invoice
		number sql.NullString
		amount sql.NullFloat64
		due    sql.NullTime
		kind   sql.NullString
		status string
	)
	err := row.Scan(&inv.ID, &number, &amount, &due, &inv.SenderWhatsApp, &status, &kind, &inv.ReceivedAt)
	if err != nil {
		return Invoice{}, err
	}
	inv.Status = constants.InvoiceStatus(status)
	if number.Valid {
		inv.InvoiceNumber = &number.String
	}
	if amount.Valid {
		inv.TotalAmount = &amount.Float64
	}
	if due.Valid {
		d := due.Time
		inv.DueDate = &d
	}
	if kind.Valid {
		inv.ErrorKind = &kind.String
	}
	return inv, nil
}

// roundCents normalizes a total to two decimals before it hits the column,
// so sqlite's REAL stores the same value postgres's NUMERIC(10,2) would.
func roundCents(f float64) float64 {
	return math.Round(f*100) / 100
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return strings.Contains(strings.ToUpper(err.Error()), "UNIQUE")
}
