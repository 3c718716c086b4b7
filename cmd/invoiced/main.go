package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"

	"github.com/invoiceflow/invoiceflow/internal/common"
	"github.com/invoiceflow/invoiceflow/internal/document"
	"github.com/invoiceflow/invoiceflow/internal/export"
	"github.com/invoiceflow/invoiceflow/internal/extract"
	"github.com/invoiceflow/invoiceflow/internal/journal"
	"github.com/invoiceflow/invoiceflow/internal/notify"
	"github.com/invoiceflow/invoiceflow/internal/ocrengine"
	"github.com/invoiceflow/invoiceflow/internal/pipeline"
	"github.com/invoiceflow/invoiceflow/internal/server"
	"github.com/invoiceflow/invoiceflow/internal/store"
	"github.com/invoiceflow/invoiceflow/internal/validate"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("invoiced exiting", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()
	cfg := common.LoadConfig()

	fs := ff.NewFlagSet("invoiced")
	var (
		addr     = fs.StringLong("addr", cfg.Server.Addr, "HTTP listen address")
		dbDriver = fs.StringLong("db-driver", cfg.Database.Driver, "database driver: 'postgres' or 'sqlite'")
		dbURL    = fs.StringLong("db-url", cfg.Database.DSN, "database DSN")
		engine   = fs.StringLong("engine", cfg.OCR.Engine, "OCR engine: 'tesseract', 'paddle' or 'azure'")
		jpath    = fs.StringLong("journal", cfg.Server.JournalPath, "delivery journal file path")
		workers  = fs.IntLong("workers", cfg.Pipeline.Workers, "processing worker count")
	)
	if err := ff.Parse(fs, os.Args[1:], ff.WithEnvVarPrefix("INVOICEFLOW")); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Flags(fs))
		return err
	}
	cfg.Server.Addr = *addr
	cfg.Database.Driver = *dbDriver
	cfg.Database.DSN = *dbURL
	cfg.OCR.Engine = *engine
	cfg.Server.JournalPath = *jpath
	cfg.Pipeline.Workers = *workers

	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(ctx, cfg.Database, logger)
	if err != nil {
		return err
	}
	st := store.NewSQLStore(db, logger)
	defer st.Close()

	jnl, err := journal.Open(cfg.Server.JournalPath)
	if err != nil {
		return err
	}
	defer jnl.Close()

	eng, err := ocrengine.NewEngine(cfg.OCR, logger)
	if err != nil {
		return err
	}
	defer eng.Close()
	logger.Info("ocr engine ready", "engine", eng.Name())

	loader := document.NewLoader(document.Config{
		DPI:     cfg.OCR.DPI,
		Enhance: cfg.OCR.Enhance,
	}, logger)
	extractor := extract.NewExtractor(extract.Config{
		ConfidenceFloor: cfg.Extract.ConfidenceFloor,
	}, logger)
	validator := validate.NewValidator(validate.Config{
		ConfidenceFloor: cfg.Extract.ConfidenceFloor,
		TieEpsilon:      cfg.Extract.TieEpsilon,
		AmountCeiling:   cfg.Extract.AmountCeiling,
		DueDateGrace:    cfg.Extract.DueDateGrace,
	}, logger)

	var notifier notify.Notifier
	if cfg.Twilio.AccountSID != "" && cfg.Twilio.AuthToken != "" {
		notifier = notify.NewTwilio(cfg.Twilio, logger)
	} else {
		logger.Warn("twilio credentials absent, confirmations disabled")
	}

	p := pipeline.New(loader, eng, extractor, validator, st, notifier, cfg.Pipeline, logger)
	queue := pipeline.NewQueue(p, logger,
		pipeline.WithWorkers(cfg.Pipeline.Workers),
		pipeline.WithQueueSize(cfg.Pipeline.QueueSize),
	)

	srv := server.New(queue, st, jnl, export.NewService(st, logger),
		server.NewTwilioFetcher(cfg.Twilio), logger)

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("server.listen", "addr", cfg.Server.Addr)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "error", err)
	}
	queue.Shutdown(shutdownCtx)
	logger.Info("stopped")
	return nil
}
