package http_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	idshttp "github.com/oleksiy-perepelytsya/ids-ai/internal/adapter/http"
	"github.com/oleksiy-perepelytsya/ids-ai/internal/config"
	"github.com/oleksiy-perepelytsya/ids-ai/internal/domain"
	"github.com/oleksiy-perepelytsya/ids-ai/internal/domain/deliberation"
	"github.com/oleksiy-perepelytsya/ids-ai/internal/port/database"
	"github.com/oleksiy-perepelytsya/ids-ai/internal/port/reviewer"
	"github.com/oleksiy-perepelytsya/ids-ai/internal/resilience"
	"github.com/oleksiy-perepelytsya/ids-ai/internal/service"
)

// memStore implements database.SessionStore in memory.
type memStore struct {
	mu       sync.Mutex
	sessions map[string]*deliberation.Session
}

var _ database.SessionStore = (*memStore)(nil)

func copySession(s *deliberation.Session) *deliberation.Session {
	c := *s
	c.Rounds = append([]deliberation.RoundResult(nil), s.Rounds...)
	return &c
}

func (m *memStore) CreateSession(_ context.Context, s *deliberation.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.Version = 1
	m.sessions[s.ID] = copySession(s)
	return nil
}

func (m *memStore) AppendRound(_ context.Context, id string, r *deliberation.RoundResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return domain.ErrNotFound
	}
	s.Rounds = append(s.Rounds, *r)
	return nil
}

func (m *memStore) CompleteRound(_ context.Context, in *deliberation.Session, r *deliberation.RoundResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[in.ID]
	if !ok {
		return domain.ErrNotFound
	}
	if s.Version != in.Version {
		return domain.ErrConflict
	}
	rounds := append(s.Rounds, *r)
	*s = *copySession(in)
	s.Rounds = rounds
	s.Version++
	in.Version = s.Version
	return nil
}

func (m *memStore) UpdateStatus(_ context.Context, id string, status deliberation.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return domain.ErrNotFound
	}
	s.Status = status
	return nil
}

func (m *memStore) UpdateSession(_ context.Context, in *deliberation.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[in.ID]
	if !ok {
		return domain.ErrNotFound
	}
	if s.Version != in.Version {
		return domain.ErrConflict
	}
	rounds := s.Rounds
	*s = *copySession(in)
	s.Rounds = rounds
	s.Version++
	in.Version = s.Version
	return nil
}

func (m *memStore) GetSession(_ context.Context, id string) (*deliberation.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return copySession(s), nil
}

func (m *memStore) ListActiveSessionsForUser(_ context.Context, userID string) ([]deliberation.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []deliberation.Session
	for _, s := range m.sessions {
		if s.UserID == userID && !s.Status.IsTerminal() {
			out = append(out, *copySession(s))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) ListSessionsByStatus(_ context.Context, status deliberation.Status) ([]deliberation.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []deliberation.Session
	for _, s := range m.sessions {
		if s.Status == status {
			out = append(out, *copySession(s))
		}
	}
	return out, nil
}

// scriptedReviewer always answers with the same score.
type scriptedReviewer struct {
	id    string
	role  deliberation.Role
	score deliberation.ScoreTriple
}

func (r *scriptedReviewer) ID() string              { return r.id }
func (r *scriptedReviewer) Role() deliberation.Role { return r.role }

func (r *scriptedReviewer) Invoke(_ context.Context, _ reviewer.Request) (deliberation.ReviewerResponse, error) {
	return deliberation.ReviewerResponse{
		ReviewerID:       r.id,
		Raw:              "raw",
		Score:            r.score,
		ProposedApproach: "use a token bucket",
	}, nil
}

var (
	agreeing  = deliberation.ScoreTriple{Confidence: 95, Risk: 5, Outcome: 95}
	doubtful  = deliberation.ScoreTriple{Confidence: 20, Risk: 70, Outcome: 30}
	errHealth = errors.New("connection refused")
)

type testEnv struct {
	router   chi.Router
	sessions *service.SessionService
}

func newTestEnv(t *testing.T, score deliberation.ScoreTriple, checks ...idshttp.HealthCheck) *testEnv {
	t.Helper()

	reviewers := []reviewer.Reviewer{
		&scriptedReviewer{id: "generalist", role: deliberation.RoleFacilitator, score: score},
		&scriptedReviewer{id: "developer", role: deliberation.RoleSpecialist, score: score},
		&scriptedReviewer{id: "sre", role: deliberation.RoleSpecialist, score: score},
	}
	exec, err := service.NewRoundExecutor(reviewers, service.ExecutorConfig{
		Mode:        config.ModeConcurrent,
		MaxParallel: 4,
		Timeout:     time.Second,
		Retry:       resilience.RetryPolicy{Retries: 0},
	}, service.NewPacer(0))
	if err != nil {
		t.Fatalf("NewRoundExecutor: %v", err)
	}
	eval, err := service.NewConsensusEvaluator(service.EvaluatorConfig{
		MaxRounds:  1,
		Thresholds: deliberation.DefaultThresholds(),
		Dispersion: deliberation.DispersionWorst,
	})
	if err != nil {
		t.Fatalf("NewConsensusEvaluator: %v", err)
	}

	svc := service.NewSessionService(&memStore{sessions: make(map[string]*deliberation.Session)}, exec, eval, nil, service.SessionConfig{
		FeedbackRoundPolicy: config.FeedbackReset,
		MaxFeedbackCycles:   3,
		SummaryMaxChars:     600,
	})
	t.Cleanup(svc.Close)

	h := &idshttp.Handlers{
		Sessions:  svc,
		Reviewers: config.DefaultReviewers(),
		Health:    checks,
		Limits:    idshttp.Limits{MaxRequestBodySize: 1 << 16},
	}
	r := chi.NewRouter()
	idshttp.MountRoutes(r, h, nil)
	return &testEnv{router: r, sessions: svc}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

// submit creates a session and waits for its run loop to settle.
func (e *testEnv) submit(t *testing.T) deliberation.Session {
	t.Helper()
	w := e.do(t, http.MethodPost, "/api/v1/sessions", deliberation.CreateRequest{UserID: "u1", Task: "design a rate limiter"})
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}
	var s deliberation.Session
	if err := json.NewDecoder(w.Body).Decode(&s); err != nil {
		t.Fatal(err)
	}
	e.wait(t, s.ID)
	return s
}

func (e *testEnv) wait(t *testing.T, id string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.sessions.Wait(ctx, id); err != nil {
		t.Fatalf("Wait: %v", err)
	}
}

func decodeSession(t *testing.T, w *httptest.ResponseRecorder) deliberation.Session {
	t.Helper()
	var s deliberation.Session
	if err := json.NewDecoder(w.Body).Decode(&s); err != nil {
		t.Fatal(err)
	}
	return s
}

func TestSubmitAndGetSession(t *testing.T) {
	env := newTestEnv(t, agreeing)
	s := env.submit(t)

	if s.Status != deliberation.StatusActive {
		t.Errorf("submit should answer with an active session, got %s", s.Status)
	}

	w := env.do(t, http.MethodGet, "/api/v1/sessions/"+s.ID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	got := decodeSession(t, w)
	if got.Status != deliberation.StatusConsensusReached {
		t.Fatalf("expected consensus, got %s", got.Status)
	}
	if len(got.Rounds) != 1 || got.FinalDecision == "" {
		t.Errorf("expected one round and a final decision, got %d rounds", len(got.Rounds))
	}
}

func TestSubmitValidation(t *testing.T) {
	env := newTestEnv(t, agreeing)

	w := env.do(t, http.MethodPost, "/api/v1/sessions", deliberation.CreateRequest{UserID: "u1"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "task is required") {
		t.Errorf("error should name the field: %s", w.Body.String())
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/sessions", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed body, got %d", rec.Code)
	}
}

func TestSubmitBodyTooLarge(t *testing.T) {
	env := newTestEnv(t, agreeing)
	w := env.do(t, http.MethodPost, "/api/v1/sessions", deliberation.CreateRequest{UserID: "u1", Task: strings.Repeat("x", 1<<17)})
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", w.Code)
	}
}

func TestGetSessionNotFound(t *testing.T) {
	env := newTestEnv(t, agreeing)
	w := env.do(t, http.MethodGet, "/api/v1/sessions/nonexistent", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestListActiveSessions(t *testing.T) {
	env := newTestEnv(t, doubtful)
	s := env.submit(t)

	w := env.do(t, http.MethodGet, "/api/v1/sessions", nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without user_id, got %d", w.Code)
	}

	w = env.do(t, http.MethodGet, "/api/v1/sessions?user_id=u1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var list []deliberation.Session
	if err := json.NewDecoder(w.Body).Decode(&list); err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].ID != s.ID {
		t.Fatalf("expected the dead-ended session, got %+v", list)
	}

	w = env.do(t, http.MethodGet, "/api/v1/sessions?user_id=nobody", nil)
	if strings.TrimSpace(w.Body.String()) != "[]" {
		t.Errorf("expected empty JSON array, got %s", w.Body.String())
	}
}

func TestDeadEndFeedbackFlow(t *testing.T) {
	env := newTestEnv(t, doubtful)
	s := env.submit(t)

	got := decodeSession(t, env.do(t, http.MethodGet, "/api/v1/sessions/"+s.ID, nil))
	if got.Status != deliberation.StatusDeadEndAwaitingFeedback {
		t.Fatalf("expected dead end, got %s", got.Status)
	}

	w := env.do(t, http.MethodPost, "/api/v1/sessions/"+s.ID+"/feedback", idshttp.FeedbackRequest{})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty feedback, got %d", w.Code)
	}

	w = env.do(t, http.MethodPost, "/api/v1/sessions/"+s.ID+"/feedback", idshttp.FeedbackRequest{Text: "assume a single region"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if resumed := decodeSession(t, w); resumed.Status != deliberation.StatusActive || resumed.Epoch != 1 {
		t.Errorf("expected active epoch 1, got %s epoch %d", resumed.Status, resumed.Epoch)
	}
	env.wait(t, s.ID)

	w = env.do(t, http.MethodPost, "/api/v1/sessions/"+s.ID+"/restart", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("restart: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	env.wait(t, s.ID)

	w = env.do(t, http.MethodPost, "/api/v1/sessions/"+s.ID+"/cancel", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("cancel: expected 200, got %d", w.Code)
	}
	if c := decodeSession(t, w); c.Status != deliberation.StatusCancelled {
		t.Errorf("expected cancelled, got %s", c.Status)
	}

	w = env.do(t, http.MethodPost, "/api/v1/sessions/"+s.ID+"/cancel", nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("second cancel: expected 409, got %d", w.Code)
	}
}

func TestFeedbackOnConsensusConflicts(t *testing.T) {
	env := newTestEnv(t, agreeing)
	s := env.submit(t)

	w := env.do(t, http.MethodPost, "/api/v1/sessions/"+s.ID+"/feedback", idshttp.FeedbackRequest{Text: "more"})
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", w.Code)
	}
	w = env.do(t, http.MethodPost, "/api/v1/sessions/missing/restart", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestGetTranscript(t *testing.T) {
	env := newTestEnv(t, agreeing)
	s := env.submit(t)

	w := env.do(t, http.MethodGet, "/api/v1/sessions/"+s.ID+"/transcript", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.HasPrefix(w.Header().Get("Content-Type"), "text/markdown") {
		t.Errorf("unexpected content type %q", w.Header().Get("Content-Type"))
	}
	body := w.Body.String()
	if !strings.Contains(body, "design a rate limiter") || !strings.Contains(body, "CONSENSUS") {
		t.Errorf("transcript missing task or outcome:\n%s", body)
	}
}

func TestListReviewers(t *testing.T) {
	env := newTestEnv(t, agreeing)
	w := env.do(t, http.MethodGet, "/api/v1/reviewers", nil)

	var out []idshttp.ReviewerInfo
	if err := json.NewDecoder(w.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if len(out) != 7 || out[0].ID != "generalist" || out[0].Role != "facilitator" {
		t.Fatalf("unexpected reviewers %+v", out)
	}
}

func TestListModelsDisabled(t *testing.T) {
	env := newTestEnv(t, agreeing)
	w := env.do(t, http.MethodGet, "/api/v1/models", nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without a registry, got %d", w.Code)
	}
}

func TestHealth(t *testing.T) {
	ok := idshttp.HealthCheck{Name: "postgres", Check: func(context.Context) error { return nil }}
	down := idshttp.HealthCheck{Name: "nats", Check: func(context.Context) error { return errHealth }}

	env := newTestEnv(t, agreeing, ok)
	if w := env.do(t, http.MethodGet, "/health", nil); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	env = newTestEnv(t, agreeing, ok, down)
	w := env.do(t, http.MethodGet, "/health", nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
	var resp idshttp.HealthResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Checks["postgres"] != "ok" || resp.Checks["nats"] != errHealth.Error() {
		t.Errorf("unexpected checks %+v", resp.Checks)
	}
}
