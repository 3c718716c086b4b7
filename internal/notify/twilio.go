package notify

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/invoiceflow/invoiceflow/internal/common"
)

// Notifier sends the submitter a confirmation once their document reaches
// a final processed row.
type Notifier interface {
	SendProcessed(ctx context.Context, to, invoiceNumber string, total float64, dedup bool) error
}

const twilioAPIBase = "https://api.twilio.com/2010-04-01"

// Twilio sends WhatsApp confirmations through the Twilio Messages API.
type Twilio struct {
	cfg     common.TwilioConfig
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

func NewTwilio(cfg common.TwilioConfig, logger *slog.Logger) *Twilio {
	if logger == nil {
		logger = slog.Default()
	}
	return &Twilio{
		cfg:     cfg,
		baseURL: twilioAPIBase,
		client:  &http.Client{Timeout: 15 * time.Second},
		logger:  logger,
	}
}

func (t *Twilio) SendProcessed(ctx context.Context, to, invoiceNumber string, total float64, dedup bool) error {
	body := fmt.Sprintf("Invoice %s for %.2f has been recorded.", invoiceNumber, total)
	if dedup {
		body = fmt.Sprintf("Invoice %s was already on file; nothing new was recorded.", invoiceNumber)
	}
	return t.send(ctx, to, body)
}

func (t *Twilio) send(ctx context.Context, to, body string) error {
	form := url.Values{}
	form.Set("From", t.cfg.FromNumber)
	form.Set("To", to)
	form.Set("Body", body)

	endpoint := fmt.Sprintf("%s/Accounts/%s/Messages.json", t.baseURL, t.cfg.AccountSID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("build message request: %w", err)
	}
	req.SetBasicAuth(t.cfg.AccountSID, t.cfg.AuthToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return fmt.Errorf("send message: unexpected status %d", resp.StatusCode)
	}
	t.logger.Debug("notify.sent", "to", to)
	return nil
}
