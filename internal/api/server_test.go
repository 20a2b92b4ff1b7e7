package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"SafeTx-Relay/internal/auth"
	"SafeTx-Relay/internal/safe"
	"SafeTx-Relay/internal/task"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

const (
	testSafe = "0x1111111111111111111111111111111111111111"
	testTo   = "0x2222222222222222222222222222222222222222"
)

func newTestServer(t *testing.T) (*Server, *task.MemoryQueue) {
	t.Helper()
	queue := task.NewMemoryQueue(8)
	service := task.NewService(task.NewMemoryStore(), queue)
	t.Cleanup(func() { _ = service.Close() })
	return NewServer(":0", service, WithMetricsEndpoint()), queue
}

func do(t *testing.T, handler http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestSubmitAndDetail(t *testing.T) {
	server, queue := newTestServer(t)
	handler := server.Handler()

	rec := do(t, handler, http.MethodPost, "/api/v1/safe-transactions", task.SubmitRequest{
		Safe:        testSafe,
		Transaction: safe.Request{To: testTo, Value: "1", Data: "0x"},
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var job task.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))
	require.NotEmpty(t, job.ID)
	require.Equal(t, task.StatusPending, job.Status)
	require.Equal(t, 1, queue.Len())

	rec = do(t, handler, http.MethodGet, "/api/v1/safe-transactions/"+job.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, handler, http.MethodGet, "/api/v1/safe-transactions/missing", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, handler, http.MethodGet, "/api/v1/safe-transactions?status=pending&safe="+testSafe, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Equal(t, 1, list.Count)

	rec = do(t, handler, http.MethodGet, "/api/v1/safe-transactions/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var stats task.JobStats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	require.Equal(t, 1, stats.Pending)
}

func TestSubmitRejectsInvalidInput(t *testing.T) {
	server, queue := newTestServer(t)
	handler := server.Handler()

	rec := do(t, handler, http.MethodPost, "/api/v1/safe-transactions", task.SubmitRequest{
		Safe:        testSafe,
		Transaction: safe.Request{To: testTo, Value: "1", Data: "no-prefix"},
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var body errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "data", body.Metadata["field"])
	require.Equal(t, 0, queue.Len())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/safe-transactions", bytes.NewBufferString(`{"safe":`))
	raw := httptest.NewRecorder()
	handler.ServeHTTP(raw, req)
	require.Equal(t, http.StatusBadRequest, raw.Code)

	rec = do(t, handler, http.MethodGet, "/api/v1/safe-transactions?status=lost", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHashPreview(t *testing.T) {
	server, _ := newTestServer(t)
	request := safe.Request{To: testTo, Value: "1", Data: "0x", Nonce: "3"}

	rec := do(t, server.Handler(), http.MethodPost, "/api/v1/safe-transactions/hash", task.SubmitRequest{
		Safe:        testSafe,
		Transaction: request,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var body struct {
		SafeTxHash string         `json:"safeTxHash"`
		TypedData  map[string]any `json:"typedData"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))

	tx, err := safe.Validate(request)
	require.NoError(t, err)
	want, err := tx.Hash(common.HexToAddress(testSafe), nil)
	require.NoError(t, err)
	require.Equal(t, want.Hex(), body.SafeTxHash)
	require.Equal(t, "SafeTx", body.TypedData["primaryType"])

	request.Nonce = ""
	rec = do(t, server.Handler(), http.MethodPost, "/api/v1/safe-transactions/hash", task.SubmitRequest{
		Safe:        testSafe,
		Transaction: request,
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStartStopsOnCancel(t *testing.T) {
	server, _ := newTestServer(t)
	server.addr = "127.0.0.1:0"
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, server.Start(ctx), context.Canceled)
}

func TestAuthGuardsAPIRoutes(t *testing.T) {
	queue := task.NewMemoryQueue(8)
	service := task.NewService(task.NewMemoryStore(), queue)
	t.Cleanup(func() { _ = service.Close() })
	server := NewServer(":0", service, WithAuth(auth.NewGuard(map[string]string{"ops": "token"})))
	handler := server.Handler()

	rec := do(t, handler, http.MethodGet, "/api/v1/safe-transactions", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/safe-transactions", nil)
	req.Header.Set("Authorization", "Bearer token")
	authed := httptest.NewRecorder()
	handler.ServeHTTP(authed, req)
	require.Equal(t, http.StatusOK, authed.Code)

	rec = do(t, handler, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}
