package pipeline

import (
	"context"
	"fmt"
	"image"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/invoiceflow/invoiceflow/constants"
	"github.com/invoiceflow/invoiceflow/internal/common"
	"github.com/invoiceflow/invoiceflow/internal/document"
	"github.com/invoiceflow/invoiceflow/internal/extract"
	"github.com/invoiceflow/invoiceflow/internal/ocrengine"
	"github.com/invoiceflow/invoiceflow/internal/store"
	"github.com/invoiceflow/invoiceflow/internal/validate"
)

type fakeLoader struct {
	pages []document.Page
	err   error
}

func (f *fakeLoader) Load(data []byte, mediaType string) ([]document.Page, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.pages, nil
}

type fakeEngine struct {
	mu    sync.Mutex
	frags []ocrengine.Fragment
	next  func() []ocrengine.Fragment
	err   error
}

func (f *fakeEngine) Recognize(ctx context.Context, page document.Page) ([]ocrengine.Fragment, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.next != nil {
		return f.next(), nil
	}
	return f.frags, nil
}

func (f *fakeEngine) Name() string { return "fake" }
func (f *fakeEngine) Close() error { return nil }

type notifyCall struct {
	To            string
	InvoiceNumber string
	Total         float64
	Dedup         bool
}

type fakeNotifier struct {
	mu    sync.Mutex
	calls []notifyCall
}

func (f *fakeNotifier) SendProcessed(ctx context.Context, to, invoiceNumber string, total float64, dedup bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, notifyCall{To: to, InvoiceNumber: invoiceNumber, Total: total, Dedup: dedup})
	return nil
}

func (f *fakeNotifier) snapshot() []notifyCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]notifyCall(nil), f.calls...)
}

func testFrag(text string, x, y int, conf float64) ocrengine.Fragment {
	return ocrengine.Fragment{
		Text:       text,
		Box:        ocrengine.Box{X: x, Y: y, W: 18 * len(text), H: 24},
		Confidence: conf,
	}
}

func confidentFrags(number string) []ocrengine.Fragment {
	return []ocrengine.Fragment{
		testFrag("Invoice", 40, 60, 0.95),
		testFrag("No:", 170, 60, 0.94),
		testFrag(number, 240, 60, 0.92),
		testFrag("Total:", 40, 700, 0.93),
		testFrag("$1,250.00", 160, 700, 0.90),
		testFrag("Due", 40, 740, 0.91),
		testFrag("Date:", 110, 740, 0.92),
		testFrag("2031-01-15", 210, 740, 0.89),
	}
}

func onePage() []document.Page {
	return []document.Page{{Image: image.NewRGBA(image.Rect(0, 0, 600, 800)), Index: 0}}
}

func newTestStore(t *testing.T) store.Store {
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
	return st
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestPipeline(t *testing.T, loader DocumentLoader, engine ocrengine.Engine, n *fakeNotifier) (*Pipeline, store.Store) {
	t.Helper()
	st := newTestStore(t)
	p := New(
		loader,
		engine,
		extract.NewExtractor(extract.Config{}, discardLogger()),
		validate.NewValidator(validate.Config{}, discardLogger()),
		st,
		n,
		common.PipelineConfig{UnitTimeout: time.Minute},
		discardLogger(),
	)
	return p, st
}

func TestIngestProcessed(t *testing.T) {
	notifier := &fakeNotifier{}
	p, st := newTestPipeline(t,
		&fakeLoader{pages: onePage()},
		&fakeEngine{frags: confidentFrags("INV-2024-001")},
		notifier,
	)

	res, err := p.Ingest(context.Background(), Attachment{
		Sender: "whatsapp:+15551234567", MediaType: "image/png", Data: []byte("png"),
	})
	require.NoError(t, err)
	assert.Equal(t, constants.StatusProcessed, res.Status)
	assert.False(t, res.Dedup)

	inv, err := st.GetByID(context.Background(), res.InvoiceID)
	require.NoError(t, err)
	require.NotNil(t, inv.InvoiceNumber)
	assert.Equal(t, "INV-2024-001", *inv.InvoiceNumber)
	require.NotNil(t, inv.TotalAmount)
	assert.InDelta(t, 1250.00, *inv.TotalAmount, 1e-9)
	require.NotNil(t, inv.DueDate)

	calls := notifier.snapshot()
	require.Len(t, calls, 1)
	assert.Equal(t, "whatsapp:+15551234567", calls[0].To)
	assert.Equal(t, "INV-2024-001", calls[0].InvoiceNumber)
	assert.False(t, calls[0].Dedup)
}

func TestIngestCorruptDocumentFails(t *testing.T) {
	loadErr := common.NewPipelineError(common.KindCorruptDocument, "decode image", io.ErrUnexpectedEOF)
	notifier := &fakeNotifier{}
	p, st := newTestPipeline(t, &fakeLoader{err: loadErr}, &fakeEngine{}, notifier)

	res, err := p.Ingest(context.Background(), Attachment{
		Sender: "whatsapp:+1555000", MediaType: "image/png", Data: []byte("garbage"),
	})
	require.Error(t, err)
	assert.Equal(t, constants.StatusFailed, res.Status)

	inv, getErr := st.GetByID(context.Background(), res.InvoiceID)
	require.NoError(t, getErr)
	assert.Equal(t, constants.StatusFailed, inv.Status)
	assert.Equal(t, "whatsapp:+1555000", inv.SenderWhatsApp)
	require.NotNil(t, inv.ErrorKind)
	assert.Equal(t, string(common.KindCorruptDocument), *inv.ErrorKind)
	assert.Empty(t, notifier.snapshot())
}

func TestIngestEngineFailure(t *testing.T) {
	engErr := common.NewPipelineError(common.KindOCREngine, "recognize", io.ErrClosedPipe)
	p, st := newTestPipeline(t, &fakeLoader{pages: onePage()}, &fakeEngine{err: engErr}, &fakeNotifier{})

	res, err := p.Ingest(context.Background(), Attachment{
		Sender: "whatsapp:+1555111", MediaType: "application/pdf", Data: []byte("pdf"),
	})
	require.Error(t, err)
	assert.Equal(t, constants.StatusFailed, res.Status)

	inv, getErr := st.GetByID(context.Background(), res.InvoiceID)
	require.NoError(t, getErr)
	require.NotNil(t, inv.ErrorKind)
	assert.Equal(t, string(common.KindOCREngine), *inv.ErrorKind)
}

func TestIngestNeedsReview(t *testing.T) {
	// Total resolves but no invoice number anywhere: route to review,
	// keeping the partial field.
	frags := []ocrengine.Fragment{
		testFrag("Total:", 40, 700, 0.93),
		testFrag("$420.50", 160, 700, 0.90),
	}
	notifier := &fakeNotifier{}
	p, st := newTestPipeline(t, &fakeLoader{pages: onePage()}, &fakeEngine{frags: frags}, notifier)

	res, err := p.Ingest(context.Background(), Attachment{
		Sender: "whatsapp:+1555222", MediaType: "image/png", Data: []byte("png"),
	})
	require.NoError(t, err)
	assert.Equal(t, constants.StatusNeedsReview, res.Status)

	inv, getErr := st.GetByID(context.Background(), res.InvoiceID)
	require.NoError(t, getErr)
	assert.Equal(t, constants.StatusNeedsReview, inv.Status)
	assert.Nil(t, inv.InvoiceNumber)
	require.NotNil(t, inv.TotalAmount)
	assert.InDelta(t, 420.50, *inv.TotalAmount, 1e-9)
	assert.Empty(t, notifier.snapshot())
}

func TestIngestLowConfidenceNumberKeptOnReviewRow(t *testing.T) {
	// The number was read but too shakily to trust: the record goes to
	// review with the reading attached, not blanked.
	frags := []ocrengine.Fragment{
		testFrag("Invoice", 40, 60, 0.95),
		testFrag("No:", 170, 60, 0.94),
		testFrag("INV-7741", 240, 60, 0.41),
		testFrag("Total:", 40, 700, 0.93),
		testFrag("$420.50", 160, 700, 0.90),
	}
	notifier := &fakeNotifier{}
	p, st := newTestPipeline(t, &fakeLoader{pages: onePage()}, &fakeEngine{frags: frags}, notifier)

	res, err := p.Ingest(context.Background(), Attachment{
		Sender: "whatsapp:+1555223", MediaType: "image/png", Data: []byte("png"),
	})
	require.NoError(t, err)
	assert.Equal(t, constants.StatusNeedsReview, res.Status)

	inv, getErr := st.GetByID(context.Background(), res.InvoiceID)
	require.NoError(t, getErr)
	require.NotNil(t, inv.InvoiceNumber)
	assert.Equal(t, "INV-7741", *inv.InvoiceNumber)
	require.NotNil(t, inv.TotalAmount)
	assert.InDelta(t, 420.50, *inv.TotalAmount, 1e-9)
	assert.Empty(t, notifier.snapshot())
}

func TestIngestDuplicateCollapses(t *testing.T) {
	notifier := &fakeNotifier{}
	p, st := newTestPipeline(t,
		&fakeLoader{pages: onePage()},
		&fakeEngine{frags: confidentFrags("INV-77")},
		notifier,
	)
	att := Attachment{Sender: "whatsapp:+1555333", MediaType: "image/png", Data: []byte("png")}

	first, err := p.Ingest(context.Background(), att)
	require.NoError(t, err)
	second, err := p.Ingest(context.Background(), att)
	require.NoError(t, err)

	assert.True(t, second.Dedup)
	assert.Equal(t, first.InvoiceID, second.InvoiceID)

	rows, err := st.List(context.Background(), store.ListFilter{Sender: att.Sender})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, constants.StatusProcessed, rows[0].Status)

	calls := notifier.snapshot()
	require.Len(t, calls, 2)
	assert.False(t, calls[0].Dedup)
	assert.True(t, calls[1].Dedup)
}

func TestQueueDrainsJobs(t *testing.T) {
	var mu sync.Mutex
	n := 0
	engine := &fakeEngine{next: func() []ocrengine.Fragment {
		mu.Lock()
		n++
		number := fmt.Sprintf("INV-%03d", n)
		mu.Unlock()
		return confidentFrags(number)
	}}
	p, st := newTestPipeline(t, &fakeLoader{pages: onePage()}, engine, &fakeNotifier{})

	q := NewQueue(p, discardLogger(), WithWorkers(2), WithQueueSize(8))
	for i := 0; i < 3; i++ {
		require.NoError(t, q.Enqueue(context.Background(), Attachment{
			Sender: "whatsapp:+1555444", MediaType: "image/png", Data: []byte("png"),
			MessageID: fmt.Sprintf("SM%d", i),
		}))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	q.Shutdown(ctx)

	rows, err := st.List(context.Background(), store.ListFilter{Status: constants.StatusProcessed})
	require.NoError(t, err)
	assert.Len(t, rows, 3)
}

func TestQueueEnqueueAfterShutdownDropped(t *testing.T) {
	p, _ := newTestPipeline(t, &fakeLoader{pages: onePage()}, &fakeEngine{}, &fakeNotifier{})
	q := NewQueue(p, discardLogger(), WithWorkers(1))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	q.Shutdown(ctx)

	// Must not panic on the closed channel.
	require.NoError(t, q.Enqueue(context.Background(), Attachment{Sender: "whatsapp:+1"}))
}

func TestQueueEnqueueHonorsContext(t *testing.T) {
	// No workers draining, so the second enqueue blocks on a full buffer
	// and must give up when its context does.
	q := &Queue{logger: discardLogger(), ch: make(chan Job, 1)}
	require.NoError(t, q.Enqueue(context.Background(), Attachment{MessageID: "SM1"}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := q.Enqueue(ctx, Attachment{MessageID: "SM2"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestQueueShutdownNotBlockedByPendingEnqueue(t *testing.T) {
	q := &Queue{logger: discardLogger(), ch: make(chan Job, 1)}
	require.NoError(t, q.Enqueue(context.Background(), Attachment{MessageID: "SM1"}))

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- q.Enqueue(ctx, Attachment{MessageID: "SM2"}) }()

	sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer scancel()
	q.Shutdown(sctx)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	case <-time.After(5 * time.Second):
		t.Fatal("enqueue never returned")
	}
}
