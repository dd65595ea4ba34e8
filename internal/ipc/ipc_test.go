package ipc

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/notmainstreet/ivi-engine/internal/cycle"
	"github.com/notmainstreet/ivi-engine/internal/domain"
	"github.com/notmainstreet/ivi-engine/internal/intake"
	"github.com/notmainstreet/ivi-engine/internal/metrics"
	"github.com/notmainstreet/ivi-engine/internal/publish"
	"github.com/notmainstreet/ivi-engine/internal/registry"
	"github.com/notmainstreet/ivi-engine/internal/spine"
	"github.com/notmainstreet/ivi-engine/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type testEnv struct {
	db      *sql.DB
	handler *Handler
	router  http.Handler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	db, err := store.NewDB(filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	sink := store.NewEventSink(db)
	reg := registry.New(registry.WithStore(store.NewContentStore(db)))
	h := &Handler{
		Intake: intake.New(db, "ivi-engine/v1"),
		Spines: spine.NewManager(sink, sink, nil),
		Cycles: cycle.New("policy/v1", nil),
		Publisher: publish.NewPipeline(reg, nil,
			publish.ContentPublisher{Root: filepath.Join(dir, "content")},
			publish.IndexPublisher{Root: filepath.Join(dir, "index")},
		),
		Continuity: cycle.ContinuityConstraint{EpsilonX: 0.3, EpsilonY: 0.3},
		Version:    "test",
	}
	return &testEnv{db: db, handler: h, router: NewRouter(h)}
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rdr *bytes.Buffer
	if body != "" {
		rdr = bytes.NewBufferString(body)
	} else {
		rdr = &bytes.Buffer{}
	}
	req := httptest.NewRequest(method, path, rdr)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), "body: %s", w.Body.String())
	return v
}

// wireEvent mirrors domain.Event with the payload left undecoded.
type wireEvent struct {
	Seq     int64           `json:"seq"`
	Domain  string          `json:"domain"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

const intakeBody = `{
	"proposal_id": "prop-1",
	"tenant_id": "tenant-a",
	"community_id": "c-1",
	"session_id": "s-1",
	"thread_ref": "th-1",
	"idempotency_key": "idem-1",
	"who": {"user_id": "u-1", "roles": ["resident"], "reputation_ref": "r"},
	"why": {"goal": "fix the fence", "values": ["care"], "urgency": "normal"},
	"what": {"category": "repair", "description": "fence repair", "budget": 40},
	"where": {"scope_level": "block", "geo": "block-9"},
	"when": {"window": "this week"}
}`

func anchorBody(node string) string {
	return fmt.Sprintf(`{"type":"AnchorEvent","payload":{
		"event_type":"AnchorEvent","node_id":%q,"verification_class":"presence_check",
		"evidence_pointer":"ipfs://e","witnesses":["w-1"],"signer":"s-1",
		"occurred_at":"2026-03-01T12:00:00Z","policy_version":"policy/v1"}}`, node)
}

func registerBody(node string) string {
	return fmt.Sprintf(`{"type":"NodeRegistered","payload":{"node_id":%q}}`, node)
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodGet, "/api/v1/health", "")
	require.Equal(t, http.StatusOK, w.Code)
	body := decode[map[string]any](t, w)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "test", body["version"])
	assert.NotEmpty(t, w.Header().Get("Access-Control-Allow-Origin"))
}

func TestIntake_SubmitReplayAndList(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/api/v1/intake", intakeBody)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	first := decode[intake.Result](t, w)
	assert.False(t, first.Replay)
	assert.Equal(t, domain.GatePass, first.Evaluation.GateResults.Outcome)

	w = env.do(t, http.MethodPost, "/api/v1/intake", intakeBody)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.True(t, decode[intake.Result](t, w).Replay)

	conflicting := strings.Replace(intakeBody, "fence repair", "gate repair", 1)
	w = env.do(t, http.MethodPost, "/api/v1/intake", conflicting)
	require.Equal(t, http.StatusConflict, w.Code, w.Body.String())
	apiErr := decode[APIError](t, w)
	assert.Equal(t, domain.ErrIdempotencyConflict.Code, apiErr.Code)
	assert.Equal(t, "conflict", apiErr.Kind)
	assert.NotEmpty(t, apiErr.RequestID)

	w = env.do(t, http.MethodGet, "/api/v1/intake?tenant_id=tenant-a&gate_outcome=pass", "")
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[IntakeList](t, w)
	require.Len(t, list.Proposals, 1)
	assert.Equal(t, "prop-1", list.Proposals[0].ProposalID)
	assert.Equal(t, intake.DefaultLimit, list.Limit)

	w = env.do(t, http.MethodGet, "/api/v1/intake/prop-1", "")
	require.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, http.MethodGet, "/api/v1/intake/missing", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestIntake_BadRequests(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/api/v1/intake", `{"tenant_id":`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodPost, "/api/v1/intake", `{"tenant_id":"t"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "community_id")

	w = env.do(t, http.MethodGet, "/api/v1/intake?limit=abc", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodGet, "/api/v1/intake?offset=-1", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSpine_EventsAndNodes(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/api/v1/spines/town-1/events", registerBody("alice"))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = env.do(t, http.MethodPost, "/api/v1/spines/town-1/events", registerBody("alice"))
	require.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, domain.ErrDuplicateNode.Code, decode[APIError](t, w).Code)

	w = env.do(t, http.MethodPost, "/api/v1/spines/town-1/events", anchorBody("alice"))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	appended := decode[[]wireEvent](t, w)
	require.Len(t, appended, 2)
	assert.Equal(t, "AnchorEvent", appended[0].Type)
	assert.Equal(t, "NodeTransitioned", appended[1].Type)
	assert.Equal(t, int64(3), appended[1].Seq)

	w = env.do(t, http.MethodGet, "/api/v1/spines/town-1/nodes/alice", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, domain.NodeAnchored, decode[domain.Node](t, w).State)

	w = env.do(t, http.MethodGet, "/api/v1/spines/town-1/events?type=NodeTransitioned", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]wireEvent](t, w), 1)

	w = env.do(t, http.MethodGet, "/api/v1/spines/town-1/nodes", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]domain.Node](t, w), 1)

	w = env.do(t, http.MethodGet, "/api/v1/spines/town-1/nodes/bob", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(t, http.MethodPost, "/api/v1/spines/town-1/events",
		`{"type":"NodeTransitioned","payload":{"node_id":"alice","next_state":"potential"}}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	w = env.do(t, http.MethodPost, "/api/v1/spines/town-1/events",
		`{"type":"NodeTransitioned","payload":{"node_id":"alice","next_state":"trusted"}}`)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = env.do(t, http.MethodPost, "/api/v1/spines/town-1/events", `{"type":"Mystery","payload":{}}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodGet, "/api/v1/spines/-bad/events", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSpine_RestoredFromStore(t *testing.T) {
	env := newTestEnv(t)
	require.Equal(t, http.StatusCreated, env.do(t, http.MethodPost, "/api/v1/spines/town-1/events", registerBody("alice")).Code)
	require.Equal(t, http.StatusCreated, env.do(t, http.MethodPost, "/api/v1/spines/town-1/events", anchorBody("alice")).Code)

	sink := store.NewEventSink(env.db)
	fresh := spine.NewManager(sink, sink, nil)
	sp, err := fresh.Get(context.Background(), "town-1")
	require.NoError(t, err)
	assert.Equal(t, 3, sp.Len())
	node, ok := sp.Node("alice")
	require.True(t, ok)
	assert.Equal(t, domain.NodeAnchored, node.State)
}

func TestCycle_CommitAndReject(t *testing.T) {
	env := newTestEnv(t)
	require.Equal(t, http.StatusCreated, env.do(t, http.MethodPost, "/api/v1/spines/d/events", registerBody("alice")).Code)

	commit := `{"proposal":{"proposal_id":"p-1","initiator_node_id":"alice","dx":0.1,"dy":0.1,
		"noumenal_valid":true,"phenomenal_valid":true},"diagnostics":{"x_energy":0.2,"y_energy":0.1},
		"trust_score":0.5,"tenure_score":0.5}`

	// A potential node cannot commit.
	w := env.do(t, http.MethodPost, "/api/v1/spines/d/cycles", commit)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	out := decode[map[string]any](t, w)
	assert.Equal(t, false, out["committed"])
	assert.Equal(t, cycle.ReasonVerificationFloor, out["reason"])

	require.Equal(t, http.StatusCreated, env.do(t, http.MethodPost, "/api/v1/spines/d/events", anchorBody("alice")).Code)

	w = env.do(t, http.MethodPost, "/api/v1/spines/d/cycles", commit)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	out = decode[map[string]any](t, w)
	assert.Equal(t, true, out["committed"])
	assert.True(t, strings.HasPrefix(out["artifact_id"].(string), "artifact-"))

	arts, err := (&store.ArtifactRepo{}).ListByDomain(context.Background(), env.db, "d")
	require.NoError(t, err)
	require.Len(t, arts, 1)
	assert.Equal(t, "p-1", arts[0].ProposalID)

	// The per-request bound overrides the configured one.
	tight := strings.Replace(commit, `"diagnostics"`, `"continuity":{"epsilon_x":0.05,"epsilon_y":0.05},"diagnostics"`, 1)
	tight = strings.Replace(tight, "p-1", "p-2", 1)
	w = env.do(t, http.MethodPost, "/api/v1/spines/d/cycles", tight)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, cycle.ReasonContinuityViolation, decode[map[string]any](t, w)["reason"])

	unknown := strings.Replace(commit, `"alice"`, `"nobody"`, 1)
	w = env.do(t, http.MethodPost, "/api/v1/spines/d/cycles", unknown)
	assert.Equal(t, http.StatusNotFound, w.Code)

	negative := strings.Replace(commit, `"x_energy":0.2`, `"x_energy":-1`, 1)
	w = env.do(t, http.MethodPost, "/api/v1/spines/d/cycles", negative)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDocuments(t *testing.T) {
	env := newTestEnv(t)
	body := `{"body":"hello","metadata":{"title":"Hi","tags":["a"]}}`

	w := env.do(t, http.MethodPut, "/api/v1/documents/doc-1", body)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	res := decode[publish.Result](t, w)
	assert.Equal(t, 1, res.Record.Version)
	assert.Len(t, res.Outputs, 2)

	w = env.do(t, http.MethodPut, "/api/v1/documents/doc-1", body)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decode[publish.Result](t, w).Unchanged)

	w = env.do(t, http.MethodGet, "/api/v1/documents/doc-1", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "hello", decode[domain.ContentRecord](t, w).Payload["body"])

	w = env.do(t, http.MethodGet, "/api/v1/documents/doc-2", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(t, http.MethodPut, "/api/v1/documents/doc-1", `[1,2]`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDocuments_LargeIntegersAreDistinct(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPut, "/api/v1/documents/ledger", `{"body":"x","total":12345678901234567891}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	first := decode[publish.Result](t, w)

	w = env.do(t, http.MethodPut, "/api/v1/documents/ledger", `{"body":"x","total":12345678901234567892}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	second := decode[publish.Result](t, w)
	assert.Equal(t, 2, second.Record.Version)
	assert.NotEqual(t, first.Record.ContentHash, second.Record.ContentHash)
}

func TestLocalityCertificate(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/api/v1/locality/certificates",
		`{"subject":{"lat":40.0001,"lon":-75.0001},"peers":[{"lat":40.0002,"lon":-75.0002}],"min_k":2,"epoch_salt":"e1"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	cert := decode[map[string]any](t, w)
	assert.Equal(t, true, cert["verified"])
	assert.Equal(t, float64(2), cert["population_floor"])
	assert.Equal(t, "sparse", cert["density_band"])

	w = env.do(t, http.MethodPost, "/api/v1/locality/certificates", `{"subject":{"lat":91,"lon":0},"min_k":1}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	metrics.Register()
	env := newTestEnv(t)
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/api/v1/health", "").Code)

	w := env.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "ivi_http_requests_total")
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  *domain.EngineError
		want int
	}{
		{domain.ErrValidation, http.StatusBadRequest},
		{domain.ErrMalformedAnchorEvent, http.StatusBadRequest},
		{domain.ErrInvalidTransition, http.StatusUnprocessableEntity},
		{domain.ErrCommitNotEligible, http.StatusUnprocessableEntity},
		{domain.ErrUnknownNode, http.StatusNotFound},
		{domain.ErrDuplicateNode, http.StatusConflict},
		{domain.ErrIdempotencyConflict, http.StatusConflict},
		{domain.ErrProposalNotFound, http.StatusNotFound},
		{domain.ErrRateLimitExceeded, http.StatusTooManyRequests},
		{domain.ErrStoreWrite, http.StatusInternalServerError},
		{domain.ErrConfigInvalid, http.StatusInternalServerError},
	}
	for _, tc := range tests {
		if got := statusFor(tc.err); got != tc.want {
			t.Errorf("statusFor(%s) = %d, want %d", tc.err.Message, got, tc.want)
		}
	}
}
