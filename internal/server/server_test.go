package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/guildworks/guildrelay/internal/domain"
	"github.com/guildworks/guildrelay/internal/health"
	"github.com/guildworks/guildrelay/internal/metrics"
	"github.com/guildworks/guildrelay/internal/state"
	"github.com/guildworks/guildrelay/internal/state/memory"
)

type stubProcessor struct {
	last *domain.UnifiedRequest
	resp *domain.UnifiedResponse
}

func (s *stubProcessor) ProcessRequest(ctx context.Context, req *domain.UnifiedRequest) *domain.UnifiedResponse {
	s.last = req
	return s.resp
}

func newTestServer(t *testing.T, proc *stubProcessor, store state.Store) *Server {
	t.Helper()
	tracker := health.NewTracker(health.DefaultConfig(), slog.Default())
	sampler := metrics.New(tracker, nil, 0, time.Minute, nil)
	return New(proc, store, nil, sampler, slog.Default())
}

func TestSubmit(t *testing.T) {
	tests := []struct {
		name       string
		resp       *domain.UnifiedResponse
		wantStatus int
	}{
		{
			name:       "success",
			resp:       &domain.UnifiedResponse{Success: true, RequestID: "r1", Method: domain.ProtocolDirect},
			wantStatus: http.StatusOK,
		},
		{
			name:       "validation failure",
			resp:       &domain.UnifiedResponse{Success: false, ErrorCode: domain.CodeValidation, Error: "bad"},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "conflict",
			resp:       &domain.UnifiedResponse{Success: false, ErrorCode: domain.CodeConflict, Error: "dup"},
			wantStatus: http.StatusConflict,
		},
		{
			name:       "all transports failed",
			resp:       &domain.UnifiedResponse{Success: false, ErrorCode: domain.CodeAllTransportsFailed, Error: "down"},
			wantStatus: http.StatusBadGateway,
		},
		{
			name:       "internal error",
			resp:       &domain.UnifiedResponse{Success: false, ErrorCode: domain.CodeInternal, Error: "store"},
			wantStatus: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			proc := &stubProcessor{resp: tt.resp}
			srv := newTestServer(t, proc, memory.New())

			body := `{"type":"music.pause","guild_id":"G1"}`
			req := httptest.NewRequest(http.MethodPost, "/v1/requests", strings.NewReader(body))
			rec := httptest.NewRecorder()
			srv.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			var got domain.UnifiedResponse
			if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if got.Success != tt.resp.Success || got.ErrorCode != tt.resp.ErrorCode {
				t.Errorf("body = %+v", got)
			}
		})
	}
}

func TestSubmit_DefaultsSource(t *testing.T) {
	proc := &stubProcessor{resp: &domain.UnifiedResponse{Success: true}}
	srv := newTestServer(t, proc, memory.New())

	req := httptest.NewRequest(http.MethodPost, "/v1/requests", strings.NewReader(`{"type":"music.pause","guild_id":"G1"}`))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if proc.last == nil || proc.last.Source != domain.SourceREST {
		t.Errorf("source = %v, want rest default", proc.last)
	}
}

func TestSubmit_MalformedBody(t *testing.T) {
	proc := &stubProcessor{resp: &domain.UnifiedResponse{Success: true}}
	srv := newTestServer(t, proc, memory.New())

	req := httptest.NewRequest(http.MethodPost, "/v1/requests", strings.NewReader(`{not json`))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
	if proc.last != nil {
		t.Error("coordinator called for malformed body")
	}
}

func TestGetOperation(t *testing.T) {
	store := memory.New()
	dedup, err := store.TryAcquire(context.Background(), "music.pause:G1", "op-1", time.Minute, state.AcquireMeta{Type: "music.pause", GuildID: "G1"})
	if err != nil || dedup.IsDuplicate {
		t.Fatalf("acquire: dedup=%+v err=%v", dedup, err)
	}

	srv := newTestServer(t, &stubProcessor{}, store)

	req := httptest.NewRequest(http.MethodGet, "/v1/operations/op-1", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var op domain.OperationState
	if err := json.NewDecoder(rec.Body).Decode(&op); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if op.ID != "op-1" || op.Status != domain.StatusPending {
		t.Errorf("operation = %+v", op)
	}
}

func TestGetOperation_NotFound(t *testing.T) {
	srv := newTestServer(t, &stubProcessor{}, memory.New())

	req := httptest.NewRequest(http.MethodGet, "/v1/operations/nope", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestListOperations_ArchiveDisabled(t *testing.T) {
	srv := newTestServer(t, &stubProcessor{}, memory.New())

	req := httptest.NewRequest(http.MethodGet, "/v1/operations", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404 when archive disabled", rec.Code)
	}
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t, &stubProcessor{}, memory.New())

	req := httptest.NewRequest(http.MethodGet, "/v1/health", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var snap metrics.Snapshot
	if err := json.NewDecoder(rec.Body).Decode(&snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(snap.Protocols) != 3 {
		t.Errorf("protocols = %d, want 3", len(snap.Protocols))
	}
	for _, p := range snap.Protocols {
		if p.CircuitState != domain.CircuitClosed {
			t.Errorf("%s state = %s, want CLOSED at startup", p.Protocol, p.CircuitState)
		}
	}
}

func TestRequestIDHeader(t *testing.T) {
	proc := &stubProcessor{resp: &domain.UnifiedResponse{Success: true}}
	srv := newTestServer(t, proc, memory.New())

	req := httptest.NewRequest(http.MethodPost, "/v1/requests", strings.NewReader(`{"type":"music.pause","guild_id":"G1"}`))
	req.Header.Set("X-Request-ID", "trace-abc")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if got := rec.Header().Get("X-Request-ID"); got != "trace-abc" {
		t.Errorf("X-Request-ID = %q, want inbound value echoed", got)
	}
}
