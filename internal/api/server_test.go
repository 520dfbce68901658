package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"IntentMesh/internal/auth"
	xerrors "IntentMesh/internal/errors"
	"IntentMesh/internal/intent"
	"IntentMesh/internal/lifecycle"
	"IntentMesh/internal/notify"
	"IntentMesh/internal/observability/metrics"
	"IntentMesh/internal/settlement"
)

type fakeIntents struct {
	mu      sync.Mutex
	intents map[string]intent.Intent
	details map[string]string
}

func newFakeIntents() *fakeIntents {
	return &fakeIntents{intents: map[string]intent.Intent{}, details: map[string]string{}}
}

func (f *fakeIntents) Submit(_ context.Context, req lifecycle.SubmitRequest) (intent.Intent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if strings.TrimSpace(req.Payload) == "" {
		return intent.Intent{}, xerrors.New(intent.CodeEmptyPayload, "payload is empty")
	}
	if _, ok := f.intents[req.ID]; ok {
		return intent.Intent{}, xerrors.New(xerrors.CodeConflict, "intent already exists")
	}
	in := intent.Intent{ID: req.ID, Role: intent.RoleOriginator, Payload: req.Payload, Bid: req.Bid, State: intent.StateProofGenerating, Attempt: 1}
	f.intents[req.ID] = in
	return in, nil
}

func (f *fakeIntents) transition(id string, from, to intent.State, detail string) (intent.Intent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	in, ok := f.intents[id]
	if !ok {
		return intent.Intent{}, xerrors.New(xerrors.CodeNotFound, "intent not found")
	}
	if in.State != from {
		return intent.Intent{}, xerrors.New(intent.CodeIllegalTransition, "illegal transition")
	}
	in.State = to
	in.Detail = detail
	f.intents[id] = in
	return in, nil
}

func (f *fakeIntents) Accept(_ context.Context, id string) (intent.Intent, error) {
	return f.transition(id, intent.StateDeciding, intent.StateSettlementPending, "")
}

func (f *fakeIntents) Reject(_ context.Context, id, detail string) (intent.Intent, error) {
	return f.transition(id, intent.StateDeciding, intent.StateFailed, detail)
}

func (f *fakeIntents) Cancel(_ context.Context, id, detail string) (intent.Intent, error) {
	return f.transition(id, intent.StateAwaitingMatch, intent.StateFailed, detail)
}

func (f *fakeIntents) Regenerate(_ context.Context, id string) (intent.Intent, error) {
	return f.transition(id, intent.StateAwaitingMatch, intent.StateProofGenerating, "")
}

func (f *fakeIntents) Get(id string) (intent.Intent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	in, ok := f.intents[id]
	if !ok {
		return intent.Intent{}, xerrors.New(xerrors.CodeNotFound, "intent not found")
	}
	return in, nil
}

func (f *fakeIntents) List() []intent.Intent {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]intent.Intent, 0, len(f.intents))
	for _, in := range f.intents {
		out = append(out, in)
	}
	return out
}

func (f *fakeIntents) Peers() []lifecycle.Peer {
	return []lifecycle.Peer{{ID: "node-b", Address: "memory://node-b"}}
}

func (f *fakeIntents) LocalNodeID() string { return "node-a" }

func (f *fakeIntents) put(in intent.Intent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.intents[in.ID] = in
}

type fakeSettlements struct {
	outstanding []settlement.Receipt
	resumed     []string
}

func (f *fakeSettlements) Outstanding() []settlement.Receipt { return f.outstanding }

func (f *fakeSettlements) Resume(_ context.Context, id string, attempt int) (settlement.Receipt, error) {
	for _, r := range f.outstanding {
		if r.IntentID == id && r.Attempt == attempt {
			f.resumed = append(f.resumed, id)
			r.CommitmentRef = "commit-1"
			return r, nil
		}
	}
	return settlement.Receipt{}, xerrors.New(xerrors.CodeNotFound, "no outstanding settlement")
}

func newTestServer(t *testing.T) (*Server, *fakeIntents, *notify.Hub) {
	t.Helper()
	intents := newFakeIntents()
	hub := notify.NewHub(notify.Options{HistorySize: 16})
	server := NewServer(Config{
		Address:       ":0",
		Intents:       intents,
		Notifications: hub,
		Settlements: &fakeSettlements{outstanding: []settlement.Receipt{
			{IntentID: "b", Attempt: 1, Amount: 90, TransferRef: "tx-b"},
			{IntentID: "a", Attempt: 2, Amount: 80, TransferRef: "tx-a"},
		}},
		Metrics: metrics.New(),
	})
	return server, intents, hub
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestSubmitAndGetIntent(t *testing.T) {
	server, _, _ := newTestServer(t)
	h := server.Handler()

	rec := do(t, h, http.MethodPost, "/api/v1/intents", `{"id":"i-1","payload":"buy 5 units ceiling=100","bid":90}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	created := decode[intent.Intent](t, rec)
	require.Equal(t, "i-1", created.ID)
	require.Equal(t, int64(90), created.Bid)

	rec = do(t, h, http.MethodGet, "/api/v1/intents/i-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, intent.StateProofGenerating, decode[intent.Intent](t, rec).State)
}

func TestSubmitErrorsMapToStatus(t *testing.T) {
	server, _, _ := newTestServer(t)
	h := server.Handler()

	rec := do(t, h, http.MethodPost, "/api/v1/intents", `{"id":"i-1","payload":"  "}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, string(intent.CodeEmptyPayload), decode[errorBody](t, rec).Code)

	rec = do(t, h, http.MethodPost, "/api/v1/intents", `not json`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, string(xerrors.CodeInvalidArgument), decode[errorBody](t, rec).Code)

	require.Equal(t, http.StatusAccepted, do(t, h, http.MethodPost, "/api/v1/intents", `{"id":"dup","payload":"x","bid":1}`).Code)
	rec = do(t, h, http.MethodPost, "/api/v1/intents", `{"id":"dup","payload":"x","bid":1}`)
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/v1/intents/missing", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, string(xerrors.CodeNotFound), decode[errorBody](t, rec).Code)
}

func TestCommandsDriveIntent(t *testing.T) {
	server, intents, _ := newTestServer(t)
	h := server.Handler()
	intents.put(intent.Intent{ID: "deal", State: intent.StateDeciding})
	intents.put(intent.Intent{ID: "nope", State: intent.StateDeciding})
	intents.put(intent.Intent{ID: "wait", State: intent.StateAwaitingMatch})
	intents.put(intent.Intent{ID: "again", State: intent.StateAwaitingMatch})

	rec := do(t, h, http.MethodPost, "/api/v1/intents/deal/accept", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, intent.StateSettlementPending, decode[intent.Intent](t, rec).State)

	rec = do(t, h, http.MethodPost, "/api/v1/intents/deal/accept", "")
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, string(intent.CodeIllegalTransition), decode[errorBody](t, rec).Code)

	rec = do(t, h, http.MethodPost, "/api/v1/intents/nope/reject", `{"detail":"too expensive"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "too expensive", decode[intent.Intent](t, rec).Detail)

	rec = do(t, h, http.MethodPost, "/api/v1/intents/wait/cancel", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, intent.StateFailed, decode[intent.Intent](t, rec).State)

	rec = do(t, h, http.MethodPost, "/api/v1/intents/wait/regenerate", "")
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/v1/intents/again/regenerate", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, intent.StateProofGenerating, decode[intent.Intent](t, rec).State)
}

func TestListFiltersByState(t *testing.T) {
	server, intents, _ := newTestServer(t)
	intents.put(intent.Intent{ID: "a", Role: intent.RoleOriginator, State: intent.StateSettled})
	intents.put(intent.Intent{ID: "b", Role: intent.RoleCounterparty, State: intent.StateDeciding})

	rec := do(t, server.Handler(), http.MethodGet, "/api/v1/intents?state=Deciding", "")
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[[]intent.Intent](t, rec)
	require.Len(t, list, 1)
	require.Equal(t, "b", list[0].ID)

	rec = do(t, server.Handler(), http.MethodGet, "/api/v1/intents?role=originator", "")
	list = decode[[]intent.Intent](t, rec)
	require.Len(t, list, 1)
	require.Equal(t, "a", list[0].ID)
}

func TestNotificationsAndHistory(t *testing.T) {
	server, _, hub := newTestServer(t)
	h := server.Handler()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	hub.Publish(notify.Notification{IntentID: "a", From: "Idle", To: "ProofGenerating", Timestamp: now})
	hub.Publish(notify.Notification{IntentID: "b", From: "Idle", To: "Received", Timestamp: now})
	hub.Publish(notify.Notification{IntentID: "a", From: "ProofGenerating", To: "Broadcasting", Timestamp: now})

	rec := do(t, h, http.MethodGet, "/api/v1/notifications?since=1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	page := decode[struct {
		LastSeq       uint64                `json:"last_seq"`
		Notifications []notify.Notification `json:"notifications"`
	}](t, rec)
	require.Equal(t, uint64(3), page.LastSeq)
	require.Len(t, page.Notifications, 2)
	require.Equal(t, uint64(2), page.Notifications[0].Seq)

	rec = do(t, h, http.MethodGet, "/api/v1/intents/a/history", "")
	require.Equal(t, http.StatusOK, rec.Code)
	history := decode[[]notify.Notification](t, rec)
	require.Len(t, history, 2)
	require.Equal(t, "Broadcasting", history[1].To)

	rec = do(t, h, http.MethodGet, "/api/v1/intents/a/history?limit=1", "")
	require.Len(t, decode[[]notify.Notification](t, rec), 1)
}

type stubJournal struct{ limit int }

func (j *stubJournal) ListByIntent(_ context.Context, id string, limit int) ([]notify.Notification, error) {
	j.limit = limit
	return []notify.Notification{{Seq: 7, IntentID: id, To: "Settled"}}, nil
}

func TestHistoryPrefersJournal(t *testing.T) {
	journal := &stubJournal{}
	server := NewServer(Config{Intents: newFakeIntents(), Journal: journal})

	rec := do(t, server.Handler(), http.MethodGet, "/api/v1/intents/x/history?limit=5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	history := decode[[]notify.Notification](t, rec)
	require.Len(t, history, 1)
	require.Equal(t, "Settled", history[0].To)
	require.Equal(t, 5, journal.limit)
}

func TestPeersHealthAndMetrics(t *testing.T) {
	server, _, _ := newTestServer(t)
	h := server.Handler()

	rec := do(t, h, http.MethodGet, "/api/v1/peers", "")
	require.Equal(t, http.StatusOK, rec.Code)
	peers := decode[[]lifecycle.Peer](t, rec)
	require.Len(t, peers, 1)
	require.Equal(t, "node-b", peers[0].ID)

	rec = do(t, h, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "node-a", decode[map[string]any](t, rec)["node_id"])

	rec = do(t, h, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "http_requests_total")
}

func TestOutstandingAndResume(t *testing.T) {
	server, _, _ := newTestServer(t)
	h := server.Handler()

	rec := do(t, h, http.MethodGet, "/api/v1/settlements/outstanding", "")
	require.Equal(t, http.StatusOK, rec.Code)
	receipts := decode[[]settlement.Receipt](t, rec)
	require.Len(t, receipts, 2)
	require.Equal(t, "a", receipts[0].IntentID)

	rec = do(t, h, http.MethodPost, "/api/v1/settlements/a/2/resume", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "commit-1", decode[settlement.Receipt](t, rec).CommitmentRef)

	rec = do(t, h, http.MethodPost, "/api/v1/settlements/a/zero/resume", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/v1/settlements/zzz/1/resume", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStatusForCodes(t *testing.T) {
	require.Equal(t, http.StatusGatewayTimeout, statusFor(xerrors.CodeTimeout))
	require.Equal(t, http.StatusUnprocessableEntity, statusFor(intent.CodeSettlementError))
	require.Equal(t, http.StatusUnprocessableEntity, statusFor(intent.CodePolicyViolation))
	require.Equal(t, http.StatusInternalServerError, statusFor(xerrors.CodeUnknown))
}

func TestWithContextRejectsAfterShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	handler := withContext(ctx, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestAuthGuardsAPIButNotHealth(t *testing.T) {
	authService, err := auth.NewService([]auth.TokenConfig{
		{Name: "viewer", Token: "view", Permissions: []string{auth.PermIntentsRead}},
		{Name: "operator", Token: "op", Permissions: []string{auth.PermIntentsRead, auth.PermIntentsWrite}},
	})
	require.NoError(t, err)
	server := NewServer(Config{
		Intents:     newFakeIntents(),
		Settlements: &fakeSettlements{outstanding: []settlement.Receipt{{IntentID: "a", Attempt: 1}}},
		Auth:        authService,
	})
	h := server.Handler()

	call := func(method, path, token string) int {
		req := httptest.NewRequest(method, path, strings.NewReader(`{"id":"x","payload":"p","bid":1}`))
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	require.Equal(t, http.StatusOK, call(http.MethodGet, "/healthz", ""))
	require.Equal(t, http.StatusUnauthorized, call(http.MethodGet, "/api/v1/intents", ""))
	require.Equal(t, http.StatusOK, call(http.MethodGet, "/api/v1/intents", "view"))
	require.Equal(t, http.StatusForbidden, call(http.MethodPost, "/api/v1/intents", "view"))
	require.Equal(t, http.StatusAccepted, call(http.MethodPost, "/api/v1/intents", "op"))
	// 恢复结算还需要 settlements:write。
	require.Equal(t, http.StatusForbidden, call(http.MethodPost, "/api/v1/settlements/a/1/resume", "op"))
}
