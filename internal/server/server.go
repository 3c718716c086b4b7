package server

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/invoiceflow/invoiceflow/internal/export"
	"github.com/invoiceflow/invoiceflow/internal/journal"
	"github.com/invoiceflow/invoiceflow/internal/pipeline"
	"github.com/invoiceflow/invoiceflow/internal/store"
)

// Enqueuer hands accepted attachments to the processing pool.
type Enqueuer interface {
	Enqueue(ctx context.Context, att pipeline.Attachment) error
}

// MediaFetcher downloads an attachment from the provider's media URL and
// returns the bytes with the reported content type.
type MediaFetcher interface {
	Fetch(ctx context.Context, url string) (data []byte, contentType string, err error)
}

type Server struct {
	router  *gin.Engine
	queue   Enqueuer
	store   store.Store
	journal *journal.Journal
	export  *export.Service
	fetcher MediaFetcher
	logger  *slog.Logger
}

func New(queue Enqueuer, st store.Store, j *journal.Journal, exp *export.Service, fetcher MediaFetcher, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		router:  gin.New(),
		queue:   queue,
		store:   st,
		journal: j,
		export:  exp,
		fetcher: fetcher,
		logger:  logger,
	}
	s.router.Use(gin.Recovery())
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.POST("/api/whatsapp/webhook", s.handleWebhook)
	s.router.GET("/invoices", s.handleListInvoices)
	s.router.GET("/invoices/export", s.handleExportInvoices)
	s.router.GET("/invoices/:id", s.handleGetInvoice)
	s.router.GET("/healthz", s.handleHealth)
}

// Handler exposes the router for tests and custom http.Server wiring.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) Run(addr string) error {
	s.logger.Info("server.listen", "addr", addr)
	return s.router.Run(addr)
}
