package ocrengine

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/invoiceflow/invoiceflow/internal/common"
)

func paddleServer(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/predict/ocr_system", r.URL.Path)
		var req paddleRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Images, 1)
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
}

func TestPaddleRecognize(t *testing.T) {
	body := `{
		"msg": "",
		"status": "000",
		"results": [[
			{"text": "Invoice No: INV-2024-001", "confidence": 0.97, "text_region": [[40,50],[340,50],[340,74],[40,74]]},
			{"text": "Total: $1,250.00", "confidence": 0.93, "text_region": [[40,700],[200,700],[200,724],[40,724]]}
		]]
	}`
	srv := paddleServer(t, http.StatusOK, body)
	defer srv.Close()

	eng, err := NewPaddle(PaddleConfig{BaseURL: srv.URL}, nil)
	require.NoError(t, err)

	frags, err := eng.Recognize(context.Background(), testPage())
	require.NoError(t, err)
	require.Len(t, frags, 2)

	assert.Equal(t, "Invoice No: INV-2024-001", frags[0].Text)
	assert.InDelta(t, 0.97, frags[0].Confidence, 1e-9)
	assert.Equal(t, Box{X: 40, Y: 50, W: 300, H: 24}, frags[0].Box)
	assert.Equal(t, Box{X: 40, Y: 700, W: 160, H: 24}, frags[1].Box)
}

func TestPaddleRecognizeNoText(t *testing.T) {
	srv := paddleServer(t, http.StatusOK, `{"msg": "", "status": "000", "results": [[]]}`)
	defer srv.Close()

	eng, err := NewPaddle(PaddleConfig{BaseURL: srv.URL}, nil)
	require.NoError(t, err)

	frags, err := eng.Recognize(context.Background(), testPage())
	require.NoError(t, err, "no text is an empty sequence, not a failure")
	assert.Empty(t, frags)
}

func TestPaddleRecognizeEngineErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"serving error status", http.StatusOK, `{"msg": "model load failed", "status": "101", "results": []}`},
		{"http error", http.StatusInternalServerError, `boom`},
		{"schema violation", http.StatusOK, `{"status": "000", "results": [[{"text": 42}]]}`},
		{"not json", http.StatusOK, `<html>nope</html>`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := paddleServer(t, tt.status, tt.body)
			defer srv.Close()

			eng, err := NewPaddle(PaddleConfig{BaseURL: srv.URL}, nil)
			require.NoError(t, err)

			_, err = eng.Recognize(context.Background(), testPage())
			require.Error(t, err)
			assert.Equal(t, common.KindOCREngine, common.KindOf(err))
		})
	}
}

func TestQuadToBox(t *testing.T) {
	// skewed quad still collapses to the enclosing axis-aligned box
	box := quadToBox([][]float64{{10, 22}, {108, 18}, {112, 40}, {12, 44}})
	assert.Equal(t, Box{X: 10, Y: 18, W: 102, H: 26}, box)
}
