package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/invoiceflow/invoiceflow/internal/pipeline"
)

// handleWebhook accepts a Twilio WhatsApp delivery. The handler only
// validates, downloads the media, enqueues, and then records the delivery;
// all judgment about the document itself happens in the worker.
func (s *Server) handleWebhook(c *gin.Context) {
	from := strings.TrimSpace(c.PostForm("From"))
	if from == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "From is required"})
		return
	}

	messageSID := strings.TrimSpace(c.PostForm("MessageSid"))
	if messageSID != "" {
		seen, err := s.journal.Seen(messageSID)
		if err != nil {
			s.logger.Error("webhook.journal.error", "message_sid", messageSID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "delivery journal unavailable"})
			return
		}
		if seen {
			s.logger.Info("webhook.duplicate_delivery", "message_sid", messageSID)
			c.JSON(http.StatusOK, gin.H{"status": "duplicate_delivery"})
			return
		}
	}

	mediaURL := strings.TrimSpace(c.PostForm("MediaUrl0"))
	if c.DefaultPostForm("NumMedia", "0") == "0" || mediaURL == "" {
		c.JSON(http.StatusOK, gin.H{"status": "no_media"})
		return
	}

	data, contentType, err := s.fetcher.Fetch(c.Request.Context(), mediaURL)
	if err != nil {
		s.logger.Error("webhook.media.error", "message_sid", messageSID, "error", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "media download failed"})
		return
	}
	if form := strings.TrimSpace(c.PostForm("MediaContentType0")); form != "" {
		contentType = form
	}

	att := pipeline.Attachment{
		Sender:    from,
		MediaType: contentType,
		Data:      data,
		MessageID: messageSID,
	}
	if err := s.queue.Enqueue(c.Request.Context(), att); err != nil {
		s.logger.Error("webhook.enqueue.error", "message_sid", messageSID, "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "queue unavailable"})
		return
	}

	// Journal the delivery only once the unit is durably accepted, so a
	// failure above leaves the channel free to redeliver the same SID.
	// Two overlapping deliveries of one SID can both pass the Seen check
	// and enqueue; the store's row-level dedup collapses them.
	if messageSID != "" {
		if _, err := s.journal.MarkSeen(messageSID); err != nil {
			s.logger.Warn("webhook.journal.error", "message_sid", messageSID, "error", err)
		}
	}

	s.logger.Info("webhook.accepted",
		"sender", from, "message_sid", messageSID,
		"media_type", contentType, "bytes", len(data),
	)
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}
