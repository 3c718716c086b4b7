package server

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/invoiceflow/invoiceflow/internal/common"
)

// maxMediaBytes caps a single attachment download. WhatsApp media tops out
// well below this; anything larger is not a document we can process.
const maxMediaBytes = 32 << 20

// TwilioFetcher downloads message media using the account credentials.
// Twilio media URLs require basic auth with the account SID and token.
type TwilioFetcher struct {
	cfg    common.TwilioConfig
	client *http.Client
}

func NewTwilioFetcher(cfg common.TwilioConfig) *TwilioFetcher {
	return &TwilioFetcher{
		cfg:    cfg,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

func (t *TwilioFetcher) Fetch(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("build media request: %w", err)
	}
	req.SetBasicAuth(t.cfg.AccountSID, t.cfg.AuthToken)

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("fetch media: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("fetch media: unexpected status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxMediaBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("read media body: %w", err)
	}
	if len(data) > maxMediaBytes {
		return nil, "", fmt.Errorf("media exceeds %d byte limit", maxMediaBytes)
	}
	return data, resp.Header.Get("Content-Type"), nil
}
