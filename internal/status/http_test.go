package status

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandler_Health(t *testing.T) {
	h := Handler(NewBoard(NewBus(1), 0))
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestHandler_Status(t *testing.T) {
	board := NewBoard(NewBus(1), 0)
	board.Apply(Event{Kind: KindState, Source: "worker-1", State: "busy", Item: "c1"})
	board.Apply(Event{Kind: KindCount, Counter: "enriched", Delta: 7})

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	w := httptest.NewRecorder()
	Handler(board).ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var s Snapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &s))
	assert.Equal(t, "busy", s.Sources["worker-1"].State)
	assert.Equal(t, 7, s.Counters["enriched"])
}

func TestHandler_NotFound(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/nope", nil)
	w := httptest.NewRecorder()
	Handler(NewBoard(NewBus(1), 0)).ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
