package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"dedupd/internal/decode"
	"dedupd/internal/domain"
	"dedupd/internal/effect"
	"dedupd/internal/handler"
	"dedupd/internal/processor"
	"dedupd/internal/storage/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

type downPinger struct{}

func (downPinger) Ping(context.Context) error { return errors.New("store unreachable") }

func newRouter(keys ...string) (http.Handler, *memory.Store) {
	store := memory.NewStore()
	proc := processor.New(decode.New(","), store, effect.LogExecutor{Logger: quiet}, quiet)
	return NewRouter(handler.New(proc, quiet, 0), store, keys, quiet), store
}

const event = `{"Records":[
 {"eventID":"s:1","eventSourceARN":"arn:stream/users","kinesis":{"data":"dTEsYQ==","sequenceNumber":"1","partitionKey":"u1"}},
 {"eventID":"s:2","eventSourceARN":"arn:stream/users","kinesis":{"data":"!!!","sequenceNumber":"2","partitionKey":"u2"}}
]}`

func TestPostBatchReturnsFailureReport(t *testing.T) {
	r, store := newRouter()
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/batches", strings.NewReader(event)))

	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"batchItemFailures":[{"itemIdentifier":"2"}]}`, w.Body.String())
	assert.Equal(t, []string{"u1"}, store.Keys())
}

func TestPostBatchAllSucceededReturnsEmptyList(t *testing.T) {
	r, _ := newRouter()
	body := `{"Records":[{"kinesis":{"data":"dTEsYQ==","sequenceNumber":"1"}}]}`
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/batches", strings.NewReader(body)))

	require.Equal(t, http.StatusOK, w.Code)
	var resp domain.BatchResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotNil(t, resp.BatchItemFailures)
	assert.Empty(t, resp.BatchItemFailures)
}

func TestPostBatchRejectsBadJSON(t *testing.T) {
	r, _ := newRouter()
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/batches", strings.NewReader("{")))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAPIKey(t *testing.T) {
	r, _ := newRouter("secret")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/batches", strings.NewReader(event)))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest(http.MethodPost, "/v1/batches", strings.NewReader(event))
	req.Header.Set("X-API-Key", "secret")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, w.Code, "probes stay public")
}

func TestReadiness(t *testing.T) {
	r, _ := newRouter()
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	down := NewRouter(nil, downPinger{}, nil, quiet)
	w = httptest.NewRecorder()
	down.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "store unreachable")
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, Config{}.Validate())
	assert.Error(t, Config{Enabled: true}.Validate())
}
