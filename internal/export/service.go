package export

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/invoiceflow/invoiceflow/internal/store"
)

// Service produces XLSX bytes from stored invoices.
type Service struct {
	store  store.Store
	logger *slog.Logger
}

func NewService(st store.Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: st, logger: logger}
}

// InvoicesXLSX returns a workbook with one row per invoice matching the
// filter, newest first.
func (s *Service) InvoicesXLSX(ctx context.Context, filter store.ListFilter) ([]byte, error) {
	start := time.Now()

	invoices, err := s.store.List(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("query invoices: %w", err)
	}

	f := excelize.NewFile()
	const sheet = "Invoices"
	if index, _ := f.GetSheetIndex(sheet); index == -1 {
		if _, err := f.NewSheet(sheet); err != nil {
			return nil, err
		}
	}
	activeIndex, _ := f.GetSheetIndex(sheet)
	f.SetActiveSheet(activeIndex)
	// Drop the default sheet so the workbook opens on ours.
	if sheet != "Sheet1" {
		_ = f.DeleteSheet("Sheet1")
	}

	headers := []string{
		"Received",
		"Sender",
		"Invoice Number",
		"Total Amount",
		"Due Date",
		"Status",
		"Error Kind",
	}
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(sheet, cell, h)
	}

	row := 2
	for _, inv := range invoices {
		write := func(col int, v any) {
			cell, _ := excelize.CoordinatesToCellName(col, row)
			_ = f.SetCellValue(sheet, cell, v)
		}

		write(1, inv.ReceivedAt.Format("2006-01-02 15:04"))
		write(2, inv.SenderWhatsApp)
		if inv.InvoiceNumber != nil {
			write(3, *inv.InvoiceNumber)
		}
		if inv.TotalAmount != nil {
			write(4, *inv.TotalAmount)
		}
		if inv.DueDate != nil {
			write(5, inv.DueDate.Format("2006-01-02"))
		}
		write(6, string(inv.Status))
		if inv.ErrorKind != nil {
			write(7, *inv.ErrorKind)
		}

		row++
	}

	_ = f.SetColWidth(sheet, "A", "A", 18)
	_ = f.SetColWidth(sheet, "B", "B", 24)
	_ = f.SetColWidth(sheet, "C", "C", 20)
	_ = f.SetColWidth(sheet, "D", "E", 14)
	_ = f.SetColWidth(sheet, "F", "F", 14)
	_ = f.SetColWidth(sheet, "G", "G", 20)

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}

	s.logger.Info("export.xlsx.ok",
		"rows", len(invoices),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return buf.Bytes(), nil
}
