package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/invoiceflow/invoiceflow/constants"
	"github.com/invoiceflow/invoiceflow/internal/common"
	"github.com/invoiceflow/invoiceflow/internal/export"
	"github.com/invoiceflow/invoiceflow/internal/journal"
	"github.com/invoiceflow/invoiceflow/internal/pipeline"
	"github.com/invoiceflow/invoiceflow/internal/store"
)

type fakeQueue struct {
	mu   sync.Mutex
	jobs []pipeline.Attachment
	err  error
}

func (f *fakeQueue) Enqueue(_ context.Context, att pipeline.Attachment) error {
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, att)
	return nil
}

func (f *fakeQueue) snapshot() []pipeline.Attachment {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]pipeline.Attachment(nil), f.jobs...)
}

type fakeFetcher struct {
	data        []byte
	contentType string
	err         error
}

func (f *fakeFetcher) Fetch(_ context.Context, _ string) ([]byte, string, error) {
	return f.data, f.contentType, f.err
}

// flakyFetcher fails the first n fetches, then serves data.
type flakyFetcher struct {
	mu       sync.Mutex
	failures int
	data     []byte
}

func (f *flakyFetcher) Fetch(_ context.Context, _ string) ([]byte, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return nil, "", errors.New("upstream 502")
	}
	return f.data, "image/png", nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testServer struct {
	srv   *Server
	queue *fakeQueue
	store store.Store
}

func newTestServer(t *testing.T, fetcher MediaFetcher) testServer {
	t.Helper()

	dsn := "file:" + strings.ReplaceAll(t.Name(), "/", "_") + "?mode=memory&cache=shared"
	db, err := store.Open(context.Background(), common.DatabaseConfig{
		Driver:      "sqlite",
		DSN:         dsn,
		MaxConns:    1,
		MinConns:    1,
		DialTimeout: 5 * time.Second,
	}, discardLogger())
	require.NoError(t, err)
	st := store.NewSQLStore(db, discardLogger())
	t.Cleanup(func() { st.Close() })

	j, err := journal.Open(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })

	q := &fakeQueue{}
	srv := New(q, st, j, export.NewService(st, discardLogger()), fetcher, discardLogger())
	return testServer{srv: srv, queue: q, store: st}
}

func postWebhook(t *testing.T, srv *Server, form url.Values) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/whatsapp/webhook",
		strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func webhookForm(sid string) url.Values {
	return url.Values{
		"From":              {"whatsapp:+15551234567"},
		"MessageSid":        {sid},
		"NumMedia":          {"1"},
		"MediaUrl0":         {"https://api.twilio.com/media/ME123"},
		"MediaContentType0": {"image/png"},
	}
}

func TestWebhookAccepted(t *testing.T) {
	ts := newTestServer(t, &fakeFetcher{data: []byte("png-bytes"), contentType: "application/octet-stream"})

	rec := postWebhook(t, ts.srv, webhookForm("SM100"))
	require.Equal(t, http.StatusAccepted, rec.Code)

	jobs := ts.queue.snapshot()
	require.Len(t, jobs, 1)
	assert.Equal(t, "whatsapp:+15551234567", jobs[0].Sender)
	// The form's content type wins over the download header.
	assert.Equal(t, "image/png", jobs[0].MediaType)
	assert.Equal(t, []byte("png-bytes"), jobs[0].Data)
	assert.Equal(t, "SM100", jobs[0].MessageID)
}

func TestWebhookMissingFrom(t *testing.T) {
	ts := newTestServer(t, &fakeFetcher{})
	form := webhookForm("SM101")
	form.Del("From")

	rec := postWebhook(t, ts.srv, form)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, ts.queue.snapshot())
}

func TestWebhookDuplicateDelivery(t *testing.T) {
	ts := newTestServer(t, &fakeFetcher{data: []byte("png")})

	rec := postWebhook(t, ts.srv, webhookForm("SM102"))
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = postWebhook(t, ts.srv, webhookForm("SM102"))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "duplicate_delivery")
	assert.Len(t, ts.queue.snapshot(), 1)
}

func TestWebhookNoMedia(t *testing.T) {
	ts := newTestServer(t, &fakeFetcher{})
	form := url.Values{
		"From":       {"whatsapp:+15551234567"},
		"MessageSid": {"SM103"},
		"NumMedia":   {"0"},
	}

	rec := postWebhook(t, ts.srv, form)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "no_media")
	assert.Empty(t, ts.queue.snapshot())
}

func TestWebhookRedeliveryAfterFetchFailure(t *testing.T) {
	ts := newTestServer(t, &flakyFetcher{failures: 1, data: []byte("png")})

	// First delivery dies on the media download; nothing is enqueued and
	// the SID must not be journaled.
	rec := postWebhook(t, ts.srv, webhookForm("SM105"))
	require.Equal(t, http.StatusBadGateway, rec.Code)
	require.Empty(t, ts.queue.snapshot())

	// The channel redelivers the same SID; this time it goes through.
	rec = postWebhook(t, ts.srv, webhookForm("SM105"))
	require.Equal(t, http.StatusAccepted, rec.Code)
	jobs := ts.queue.snapshot()
	require.Len(t, jobs, 1)
	assert.Equal(t, "SM105", jobs[0].MessageID)
}

func TestWebhookRedeliveryAfterEnqueueFailure(t *testing.T) {
	ts := newTestServer(t, &fakeFetcher{data: []byte("png")})

	ts.queue.err = errors.New("queue closed")
	rec := postWebhook(t, ts.srv, webhookForm("SM106"))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	ts.queue.err = nil
	rec = postWebhook(t, ts.srv, webhookForm("SM106"))
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Len(t, ts.queue.snapshot(), 1)
}

func TestWebhookMediaDownloadFails(t *testing.T) {
	ts := newTestServer(t, &fakeFetcher{err: errors.New("boom")})

	rec := postWebhook(t, ts.srv, webhookForm("SM104"))
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Empty(t, ts.queue.snapshot())
}

func seedInvoice(t *testing.T, st store.Store, sender, number string) store.Invoice {
	t.Helper()
	ctx := context.Background()
	inv, err := st.CreateReceived(ctx, sender)
	require.NoError(t, err)
	require.NoError(t, st.MarkProcessing(ctx, inv.ID))
	amount := 99.50
	_, _, err = st.CompleteProcessed(ctx, inv.ID, store.Fields{
		InvoiceNumber: &number, TotalAmount: &amount,
	})
	require.NoError(t, err)
	got, err := st.GetByID(ctx, inv.ID)
	require.NoError(t, err)
	return got
}

func TestListInvoices(t *testing.T) {
	ts := newTestServer(t, &fakeFetcher{})
	seedInvoice(t, ts.store, "whatsapp:+1555000", "INV-1")
	seedInvoice(t, ts.store, "whatsapp:+1555111", "INV-2")

	rec := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/invoices?status=processed", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Invoices []invoiceResponse `json:"invoices"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Len(t, body.Invoices, 2)

	rec = httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/invoices?status=bogus", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetInvoice(t *testing.T) {
	ts := newTestServer(t, &fakeFetcher{})
	inv := seedInvoice(t, ts.store, "whatsapp:+1555222", "INV-3")

	rec := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/invoices/"+inv.ID, nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body invoiceResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, inv.ID, body.ID)
	require.NotNil(t, body.InvoiceNumber)
	assert.Equal(t, "INV-3", *body.InvoiceNumber)
	assert.Equal(t, string(constants.StatusProcessed), body.Status)

	rec = httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/invoices/no-such-id", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestExportInvoices(t *testing.T) {
	ts := newTestServer(t, &fakeFetcher{})
	seedInvoice(t, ts.store, "whatsapp:+1555333", "INV-4")

	rec := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/invoices/export", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "invoices.xlsx")
	// XLSX is a zip container.
	body := rec.Body.Bytes()
	require.Greater(t, len(body), 4)
	assert.Equal(t, "PK", string(body[:2]))
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t, &fakeFetcher{})
	rec := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
