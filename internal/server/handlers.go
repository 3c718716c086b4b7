package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/invoiceflow/invoiceflow/constants"
	"github.com/invoiceflow/invoiceflow/internal/store"
)

type invoiceResponse struct {
	ID             string   `json:"id"`
	InvoiceNumber  *string  `json:"invoice_number"`
	TotalAmount    *float64 `json:"total_amount"`
	DueDate        *string  `json:"due_date"`
	SenderWhatsApp string   `json:"sender_whatsapp"`
	Status         string   `json:"status"`
	ErrorKind      *string  `json:"error_kind,omitempty"`
	ReceivedAt     string   `json:"received_at"`
}

func toResponse(inv store.Invoice) invoiceResponse {
	resp := invoiceResponse{
		ID:             inv.ID,
		InvoiceNumber:  inv.InvoiceNumber,
		TotalAmount:    inv.TotalAmount,
		SenderWhatsApp: inv.SenderWhatsApp,
		Status:         string(inv.Status),
		ErrorKind:      inv.ErrorKind,
		ReceivedAt:     inv.ReceivedAt.UTC().Format(time.RFC3339),
	}
	if inv.DueDate != nil {
		d := inv.DueDate.Format("2006-01-02")
		resp.DueDate = &d
	}
	return resp
}

func (s *Server) handleListInvoices(c *gin.Context) {
	filter, ok := listFilterFromQuery(c)
	if !ok {
		return
	}
	invoices, err := s.store.List(c.Request.Context(), filter)
	if err != nil {
		s.logger.Error("api.invoices.list", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list failed"})
		return
	}
	out := make([]invoiceResponse, 0, len(invoices))
	for _, inv := range invoices {
		out = append(out, toResponse(inv))
	}
	c.JSON(http.StatusOK, gin.H{"invoices": out})
}

func (s *Server) handleGetInvoice(c *gin.Context) {
	inv, err := s.store.GetByID(c.Request.Context(), c.Param("id"))
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "invoice not found"})
		return
	}
	if err != nil {
		s.logger.Error("api.invoices.get", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
		return
	}
	c.JSON(http.StatusOK, toResponse(inv))
}

func (s *Server) handleExportInvoices(c *gin.Context) {
	filter, ok := listFilterFromQuery(c)
	if !ok {
		return
	}
	data, err := s.export.InvoicesXLSX(c.Request.Context(), filter)
	if err != nil {
		s.logger.Error("api.invoices.export", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "export failed"})
		return
	}
	c.Header("Content-Disposition", `attachment; filename="invoices.xlsx"`)
	c.Data(http.StatusOK,
		"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", data)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func listFilterFromQuery(c *gin.Context) (store.ListFilter, bool) {
	var filter store.ListFilter
	if status := c.Query("status"); status != "" {
		st := constants.InvoiceStatus(status)
		if !st.Valid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown status"})
			return filter, false
		}
		filter.Status = st
	}
	filter.Sender = c.Query("sender")
	if limit := c.Query("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
			return filter, false
		}
		filter.Limit = n
	}
	return filter, true
}
