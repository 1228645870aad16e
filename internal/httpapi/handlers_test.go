package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"rallylink/coordinator/internal/logging"
)

type stubReadiness struct {
	clients int
	pending int
	err     error
}

func (s *stubReadiness) SnapshotClientCounts() (int, int) { return s.clients, s.pending }
func (s *stubReadiness) StartupError() error              { return s.err }
func (s *stubReadiness) Uptime() time.Duration            { return 90 * time.Second }

type stubIssuer struct {
	token string
	err   error
	calls int
}

func (s *stubIssuer) Issue(playerID, username string) (string, error) {
	s.calls++
	return s.token, s.err
}

func TestLivenessHandlerReportsAlive(t *testing.T) {
	handlers := NewHandlerSet(Options{Logger: logging.NewTestLogger()})
	recorder := httptest.NewRecorder()
	handlers.LivenessHandler()(recorder, httptest.NewRequest(http.MethodGet, "/livez", nil))

	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", recorder.Code)
	}
	var payload map[string]string
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload["status"] != "alive" {
		t.Fatalf("unexpected payload %v", payload)
	}
}

func TestReadinessHandlerSurfacesStartupError(t *testing.T) {
	handlers := NewHandlerSet(Options{
		Logger:    logging.NewTestLogger(),
		Readiness: &stubReadiness{clients: 2, pending: 1, err: errors.New("tls misconfigured")},
	})
	recorder := httptest.NewRecorder()
	handlers.ReadinessHandler()(recorder, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	if recorder.Code != http.StatusServiceUnavailable {
		t.Fatalf("unexpected status %d", recorder.Code)
	}
	if !strings.Contains(recorder.Body.String(), "tls misconfigured") {
		t.Fatalf("startup error missing from body: %s", recorder.Body.String())
	}
}

func TestStatsHandlerReportsAggregates(t *testing.T) {
	handlers := NewHandlerSet(Options{
		Logger: logging.NewTestLogger(),
		Stats: func() Stats {
			return Stats{TotalServers: 3, TotalPlayers: 17, TotalSessions: 5, TotalLobbies: 2, Regions: []string{"eu", "us"}}
		},
	})
	recorder := httptest.NewRecorder()
	handlers.StatsHandler()(recorder, httptest.NewRequest(http.MethodGet, "/stats", nil))

	var stats Stats
	if err := json.Unmarshal(recorder.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if stats.TotalServers != 3 || stats.TotalPlayers != 17 || len(stats.Regions) != 2 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestSecurityHandlerReportsTallies(t *testing.T) {
	handlers := NewHandlerSet(Options{
		Logger: logging.NewTestLogger(),
		Security: func() SecurityReport {
			return SecurityReport{ActiveTokens: 4, SuspiciousPlayers: 1, TrackedRateKeys: 9}
		},
	})
	recorder := httptest.NewRecorder()
	handlers.SecurityHandler()(recorder, httptest.NewRequest(http.MethodGet, "/securityz", nil))

	var report SecurityReport
	if err := json.Unmarshal(recorder.Body.Bytes(), &report); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if report.ActiveTokens != 4 || report.SuspiciousPlayers != 1 || report.TrackedRateKeys != 9 {
		t.Fatalf("unexpected report %+v", report)
	}
}

func TestTokenHandlerMintsForValidRequest(t *testing.T) {
	issuer := &stubIssuer{token: "tok-1"}
	handlers := NewHandlerSet(Options{Logger: logging.NewTestLogger(), Tokens: issuer})
	body := strings.NewReader(`{"player_id":"p1","username":"alice"}`)
	recorder := httptest.NewRecorder()
	handlers.TokenHandler()(recorder, httptest.NewRequest(http.MethodPost, "/auth/token", body))

	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", recorder.Code, recorder.Body.String())
	}
	if issuer.calls != 1 {
		t.Fatalf("expected one issue call, got %d", issuer.calls)
	}
	if !strings.Contains(recorder.Body.String(), "tok-1") {
		t.Fatalf("token missing from body: %s", recorder.Body.String())
	}
}

func TestTokenHandlerRejectsBadRequests(t *testing.T) {
	issuer := &stubIssuer{token: "tok-1"}
	handlers := NewHandlerSet(Options{Logger: logging.NewTestLogger(), Tokens: issuer})

	recorder := httptest.NewRecorder()
	handlers.TokenHandler()(recorder, httptest.NewRequest(http.MethodGet, "/auth/token", nil))
	if recorder.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405 for GET, got %d", recorder.Code)
	}

	recorder = httptest.NewRecorder()
	handlers.TokenHandler()(recorder, httptest.NewRequest(http.MethodPost, "/auth/token", strings.NewReader(`{"username":"alice"}`)))
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing player_id, got %d", recorder.Code)
	}
	if issuer.calls != 0 {
		t.Fatal("issuer must not run for rejected requests")
	}
}

func TestTokenHandlerHonoursRateLimit(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	limiter := NewSlidingWindowLimiter(time.Minute, 1, func() time.Time { return now })
	issuer := &stubIssuer{token: "tok-1"}
	handlers := NewHandlerSet(Options{Logger: logging.NewTestLogger(), Tokens: issuer, RateLimiter: limiter})

	request := func() *http.Request {
		req := httptest.NewRequest(http.MethodPost, "/auth/token", strings.NewReader(`{"player_id":"p1"}`))
		req.RemoteAddr = "203.0.113.9:4242"
		return req
	}
	first := httptest.NewRecorder()
	handlers.TokenHandler()(first, request())
	if first.Code != http.StatusOK {
		t.Fatalf("first request must pass, got %d", first.Code)
	}
	second := httptest.NewRecorder()
	handlers.TokenHandler()(second, request())
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("second request must be limited, got %d", second.Code)
	}

	// A different client keeps its own budget.
	other := httptest.NewRequest(http.MethodPost, "/auth/token", strings.NewReader(`{"player_id":"p2"}`))
	other.RemoteAddr = "198.51.100.7:9000"
	third := httptest.NewRecorder()
	handlers.TokenHandler()(third, other)
	if third.Code != http.StatusOK {
		t.Fatalf("unrelated client must not be limited, got %d", third.Code)
	}
}

func TestSlidingWindowLimiterRecovers(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	limiter := NewSlidingWindowLimiter(time.Minute, 2, func() time.Time { return now })

	if !limiter.AllowKey("a") || !limiter.AllowKey("a") {
		t.Fatal("first two events must pass")
	}
	if limiter.AllowKey("a") {
		t.Fatal("third event within the window must be limited")
	}
	now = now.Add(61 * time.Second)
	if !limiter.AllowKey("a") {
		t.Fatal("window expiry must restore the budget")
	}
}
