// scaninvoice runs a single document through the pipeline from the command
// line: useful for tuning extraction against a sample without standing up
// the webhook server.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"

	"github.com/invoiceflow/invoiceflow/internal/common"
	"github.com/invoiceflow/invoiceflow/internal/document"
	"github.com/invoiceflow/invoiceflow/internal/extract"
	"github.com/invoiceflow/invoiceflow/internal/ocrengine"
	"github.com/invoiceflow/invoiceflow/internal/pipeline"
	"github.com/invoiceflow/invoiceflow/internal/store"
	"github.com/invoiceflow/invoiceflow/internal/validate"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("scaninvoice failed", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	_ = godotenv.Load()
	cfg := common.LoadConfig()

	fs := ff.NewFlagSet("scaninvoice")
	var (
		sender    = fs.StringLong("sender", "whatsapp:+10000000000", "sender identity recorded on the row")
		mediaType = fs.StringLong("media-type", "", "override the content type guessed from the file extension")
		engine    = fs.StringLong("engine", cfg.OCR.Engine, "OCR engine: 'tesseract', 'paddle' or 'azure'")
		dbURL     = fs.StringLong("db-url", "file:scaninvoice.db", "sqlite DSN for the local result store")
	)
	if err := ff.Parse(fs, os.Args[1:], ff.WithEnvVarPrefix("INVOICEFLOW")); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Flags(fs))
		return err
	}
	if len(fs.GetArgs()) != 1 {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Flags(fs))
		return fmt.Errorf("usage: scaninvoice [flags] <file>")
	}
	path := fs.GetArgs()[0]
	cfg.OCR.Engine = *engine

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	mt := *mediaType
	if mt == "" {
		mt = mime.TypeByExtension(strings.ToLower(filepath.Ext(path)))
	}
	if mt == "" {
		return fmt.Errorf("cannot determine media type for %s, pass --media-type", path)
	}

	ctx := context.Background()
	db, err := store.Open(ctx, common.DatabaseConfig{
		Driver:      "sqlite",
		DSN:         *dbURL,
		MaxConns:    1,
		MinConns:    1,
		DialTimeout: cfg.Database.DialTimeout,
	}, logger)
	if err != nil {
		return err
	}
	st := store.NewSQLStore(db, logger)
	defer st.Close()

	eng, err := ocrengine.NewEngine(cfg.OCR, logger)
	if err != nil {
		return err
	}
	defer eng.Close()

	p := pipeline.New(
		document.NewLoader(document.Config{DPI: cfg.OCR.DPI, Enhance: cfg.OCR.Enhance}, logger),
		eng,
		extract.NewExtractor(extract.Config{ConfidenceFloor: cfg.Extract.ConfidenceFloor}, logger),
		validate.NewValidator(validate.Config{
			ConfidenceFloor: cfg.Extract.ConfidenceFloor,
			TieEpsilon:      cfg.Extract.TieEpsilon,
			AmountCeiling:   cfg.Extract.AmountCeiling,
			DueDateGrace:    cfg.Extract.DueDateGrace,
		}, logger),
		st,
		nil, // no confirmations from the CLI
		cfg.Pipeline,
		logger,
	)

	res, err := p.Ingest(ctx, pipeline.Attachment{
		Sender:    *sender,
		MediaType: mt,
		Data:      data,
		MessageID: "cli:" + filepath.Base(path),
	})
	if err != nil {
		return err
	}

	inv, err := st.GetByID(ctx, res.InvoiceID)
	if err != nil {
		return err
	}
	fmt.Printf("status:  %s\n", inv.Status)
	fmt.Printf("id:      %s\n", inv.ID)
	if res.Dedup {
		fmt.Println("dedup:   collapsed into an existing processed row")
	}
	if inv.InvoiceNumber != nil {
		fmt.Printf("number:  %s\n", *inv.InvoiceNumber)
	}
	if inv.TotalAmount != nil {
		fmt.Printf("total:   %.2f\n", *inv.TotalAmount)
	}
	if inv.DueDate != nil {
		fmt.Printf("due:     %s\n", inv.DueDate.Format("2006-01-02"))
	}
	if inv.ErrorKind != nil {
		fmt.Printf("error:   %s\n", *inv.ErrorKind)
	}
	return nil
}
