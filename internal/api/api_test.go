package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"entitlements/internal/domain/event"
	"entitlements/internal/infrastructure/memory"
	"entitlements/internal/processor"
	"entitlements/internal/relationship"
	"entitlements/internal/signature"
	"entitlements/internal/token"
	"entitlements/internal/usecase"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "whsec_test"

var testKeys = sync.OnceValues(func() (*token.KeyPair, error) {
	return token.GenerateKeyPair("api-test", 2048)
})

// inlineQueue processes each delivery before the handler returns.
type inlineQueue struct {
	proc *processor.Processor
}

func (q inlineQueue) Enqueue(ctx context.Context, d event.Delivery) error {
	q.proc.Process(context.WithoutCancel(ctx), d)
	return nil
}

type server struct {
	*httptest.Server
	keys  *memory.IdempotencyStore
	locks *memory.IdempotencyStore
	ents  *memory.EntitlementRepository
}

func newServer(t *testing.T, queue func(*processor.Processor) processor.Enqueuer) *server {
	t.Helper()

	keys, err := testKeys()
	require.NoError(t, err)

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := &server{
		keys:  memory.NewIdempotencyStore(),
		locks: memory.NewIdempotencyStore(),
		ents:  memory.NewEntitlementRepository(),
	}
	graph := relationship.NewSync(memory.NewGraphStore(), time.Second)
	inbox := memory.NewInboxLog()
	dlq := memory.NewDeadLetterSink()
	tokens := token.NewService(keys, s.ents)

	proc := processor.New(processor.Deps{
		Verifier:     signature.NewVerifier(testSecret),
		Idempotency:  s.keys,
		Tx:           memory.NewTransactor(),
		Entitlements: s.ents,
		Inbox:        inbox,
		Tokens:       tokens,
		Graph:        graph,
		Notifier:     memory.NewNotifier(),
		DeadLetters:  dlq,
		Logger:       log,
	}, processor.Config{MaxAttempts: 1, CallTimeout: time.Second},
		processor.WithSleep(func(context.Context, time.Duration) error { return nil }))

	if queue == nil {
		queue = func(p *processor.Processor) processor.Enqueuer { return inlineQueue{proc: p} }
	}

	h := NewHandlers(HandlerDeps{
		Ingestor:         proc,
		Queue:            queue(proc),
		CheckAccess:      usecase.NewCheckAccess(graph, s.ents, log),
		MintToken:        usecase.NewMintToken(s.ents, tokens, 15*time.Minute),
		VerifyToken:      usecase.NewVerifyToken(tokens),
		GetEventTrail:    usecase.NewGetEventTrail(s.ents, inbox, dlq),
		ListDeadLetters:  usecase.NewListDeadLetters(dlq),
		ReplayDeadLetter: usecase.NewReplayDeadLetter(dlq, proc, log),
		Tokens:           tokens,
		Logger:           log,
	})
	s.Server = httptest.NewServer(NewRouter(h, RouterConfig{
		MaxBodyBytes: 4096,
		ReplayLock:   s.locks,
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *server) postEvent(t *testing.T, body string) *http.Response {
	t.Helper()
	return s.postSigned(t, body, signature.SignHex([]byte(body), []byte(testSecret)))
}

func (s *server) postSigned(t *testing.T, body, sig string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, s.URL+"/events", strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(signature.Header, sig)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (s *server) call(t *testing.T, method, path string, body any, out any) int {
	t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, s.URL+path, rd)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

const (
	purchaseEvt1 = `{"eventId":"evt-1","eventType":"PURCHASE_COMPLETED","actorId":"u1",` +
		`"subjectRefs":[{"subjectId":"p1","attributes":{"entitlement_eligible":"true"}}]}`
	refundEvt2 = `{"eventId":"evt-2","eventType":"REFUND_ISSUED","actorId":"u1",` +
		`"sourceEventId":"evt-1","reason":"customer request"}`
)

type verifyResponse struct {
	Valid bool        `json:"valid"`
	Error string      `json:"error"`
	Claim token.Claim `json:"claim"`
}

func TestPurchaseRefundLifecycle(t *testing.T) {
	s := newServer(t, nil)

	resp := s.postEvent(t, purchaseEvt1)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var access usecase.AccessDTO
	require.Equal(t, http.StatusOK, s.call(t, http.MethodGet, "/entitlements/u1/p1", nil, &access))
	require.True(t, access.HasAccess)
	require.NotEmpty(t, access.EntitlementID)

	// Same event again is acknowledged without a second grant.
	resp = s.postEvent(t, purchaseEvt1)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, s.ents.All(), 1)

	var minted usecase.TokenDTO
	require.Equal(t, http.StatusOK, s.call(t, http.MethodPost, "/entitlements/u1/p1/token", nil, &minted))
	require.NotEmpty(t, minted.Token)

	var verified verifyResponse
	require.Equal(t, http.StatusOK, s.call(t, http.MethodPost, "/tokens/verify", map[string]string{"token": minted.Token}, &verified))
	assert.True(t, verified.Valid)
	assert.Equal(t, access.EntitlementID, verified.Claim.EntitlementID)
	assert.Equal(t, "u1", verified.Claim.ActorID)

	resp = s.postEvent(t, refundEvt2)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	verified = verifyResponse{}
	require.Equal(t, http.StatusOK, s.call(t, http.MethodPost, "/tokens/verify", map[string]string{"token": minted.Token}, &verified))
	assert.False(t, verified.Valid)
	assert.Equal(t, "revoked", verified.Error)

	access = usecase.AccessDTO{}
	require.Equal(t, http.StatusOK, s.call(t, http.MethodGet, "/entitlements/u1/p1", nil, &access))
	assert.False(t, access.HasAccess)

	assert.Equal(t, http.StatusNotFound, s.call(t, http.MethodPost, "/entitlements/u1/p1/token", nil, nil))

	var trail usecase.EventTrailDTO
	require.Equal(t, http.StatusOK, s.call(t, http.MethodGet, "/events/evt-1", nil, &trail))
	assert.True(t, trail.Processed)
	assert.Len(t, trail.Entitlements, 1)
}

func TestReceiveEventRejectsBadSignature(t *testing.T) {
	s := newServer(t, nil)

	resp := s.postSigned(t, purchaseEvt1, "deadbeef")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = s.postSigned(t, purchaseEvt1, "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	assert.Zero(t, s.keys.Len())
	assert.Empty(t, s.ents.All())
}

func TestReceiveEventRejectsMalformedBody(t *testing.T) {
	s := newServer(t, nil)

	resp := s.postEvent(t, `{"eventId":"evt-9","eventType":"SUBSCRIPTION_PAUSED","actorId":"u1"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = s.postEvent(t, `not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Zero(t, s.keys.Len())
}

func TestReceiveEventRejectsOversizedBody(t *testing.T) {
	s := newServer(t, nil)

	resp := s.postEvent(t, `{"eventId":"`+strings.Repeat("x", 5000)+`"}`)
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
}

func TestReceiveEventQueueFull(t *testing.T) {
	s := newServer(t, func(p *processor.Processor) processor.Enqueuer {
		// Never run, so the single slot stays taken.
		return processor.NewPool(p, 1, 1, slog.New(slog.NewTextHandler(io.Discard, nil)))
	})

	resp := s.postEvent(t, purchaseEvt1)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = s.postEvent(t, refundEvt2)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
}

func TestVerifyTokenResponses(t *testing.T) {
	s := newServer(t, nil)

	var out verifyResponse
	require.Equal(t, http.StatusOK, s.call(t, http.MethodPost, "/tokens/verify", map[string]string{"token": "not-a-jwt"}, &out))
	assert.False(t, out.Valid)
	assert.Equal(t, "malformed", out.Error)

	req, err := http.NewRequest(http.MethodPost, s.URL+"/tokens/verify", strings.NewReader("{"))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDeadLetterReplayOverHTTP(t *testing.T) {
	s := newServer(t, nil)

	// Refund before its purchase exhausts its single attempt.
	resp := s.postEvent(t, refundEvt2)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var listed struct {
		DeadLetters []struct {
			EventID      string `json:"eventId"`
			AttemptCount int    `json:"attemptCount"`
		} `json:"deadLetters"`
	}
	require.Equal(t, http.StatusOK, s.call(t, http.MethodGet, "/dead-letters?limit=10", nil, &listed))
	require.Len(t, listed.DeadLetters, 1)
	assert.Equal(t, "evt-2", listed.DeadLetters[0].EventID)

	var trail usecase.EventTrailDTO
	require.Equal(t, http.StatusOK, s.call(t, http.MethodGet, "/events/evt-2", nil, &trail))
	assert.NotNil(t, trail.DeadLetter)

	require.Equal(t, http.StatusOK, s.postEvent(t, purchaseEvt1).StatusCode)

	var replayed usecase.ReplayDTO
	require.Equal(t, http.StatusOK, s.call(t, http.MethodPost, "/dead-letters/evt-2/replay", nil, &replayed))
	assert.Equal(t, processor.StateCompleted, replayed.State)

	var access usecase.AccessDTO
	require.Equal(t, http.StatusOK, s.call(t, http.MethodGet, "/entitlements/u1/p1", nil, &access))
	assert.False(t, access.HasAccess)

	assert.Equal(t, http.StatusNotFound, s.call(t, http.MethodPost, "/dead-letters/evt-404/replay", nil, nil))
}

func TestReplayInProgressConflicts(t *testing.T) {
	s := newServer(t, nil)

	ok, err := s.locks.Reserve(context.Background(), "replay:evt-2", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, http.StatusConflict, s.call(t, http.MethodPost, "/dead-letters/evt-2/replay", nil, nil))
}

func TestUnknownEvent(t *testing.T) {
	s := newServer(t, nil)
	assert.Equal(t, http.StatusNotFound, s.call(t, http.MethodGet, "/events/evt-unknown", nil, nil))
}

func TestJWKSAndHealth(t *testing.T) {
	s := newServer(t, nil)

	var set struct {
		Keys []map[string]any `json:"keys"`
	}
	require.Equal(t, http.StatusOK, s.call(t, http.MethodGet, "/.well-known/jwks.json", nil, &set))
	require.Len(t, set.Keys, 1)
	assert.Equal(t, "api-test", set.Keys[0]["kid"])

	resp, err := http.Get(s.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
