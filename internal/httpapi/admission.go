package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/runestone-gateway/runestone/internal/keystore"
	"github.com/runestone-gateway/runestone/internal/metrics"
	"github.com/runestone-gateway/runestone/internal/overflow"
	"github.com/runestone-gateway/runestone/internal/ratelimit"
	"github.com/runestone-gateway/runestone/types"
	"go.uber.org/zap"
)

type principalContextKey struct{}

// Principal is the resolved identity attached to the request context once
// admission succeeds.
type Principal struct {
	Key  *keystore.ApiKey
	Slot *ratelimit.SlotHandle
}

// PrincipalFromContext retrieves the admitted Principal, if any.
func PrincipalFromContext(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalContextKey{}).(*Principal)
	return p, ok
}

// WithPrincipal attaches an already-admitted Principal to ctx. Used by the
// overflow drainer, which re-enters the admission gate via AdmitByKeyID
// rather than a fresh Middleware call (the raw bearer token was never
// persisted, only the resolved key id).
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalContextKey{}, p)
}

// Admission is the auth + rate-limit middleware described by the gateway's
// admission contract: it resolves the bearer token against the key store,
// checks sliding-window and concurrency limits, and either forwards with a
// Principal attached to the context or writes a terminal error response.
type Admission struct {
	Keys    *keystore.Store
	Limiter *ratelimit.Limiter
	Metrics *metrics.Collector
	Logger  *zap.Logger

	// Overflow, when set, receives POST requests denied only for exceeding
	// concurrent_requests instead of outright rejecting them with 429. Per-
	// minute and per-hour denials never queue -- the request would simply
	// be rejected again the moment the drainer retried it.
	Overflow    *overflow.Store
	OverflowTTL time.Duration

	// JWT, when set, admits bearer tokens that don't match the "sk-..."
	// key format via JWT verification instead of outright rejecting them.
	// JWTLimits bounds the rate applied to JWT-authenticated callers, since
	// they have no keystore.ApiKey record to carry per-key limits.
	JWT       *JWTVerifier
	JWTLimits ratelimit.Limits
}

// queuedResponse is the 202 body returned when a request is accepted into
// the overflow queue instead of routed immediately.
type queuedResponse struct {
	Status    string `json:"status"`
	RequestID string `json:"request_id"`
}

// Middleware wraps next with the admission contract. Health endpoints must
// be registered outside this wrapper.
func (a *Admission) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			a.Metrics.RecordAdmission("missing_auth")
			WriteErrorStatus(w, http.StatusUnauthorized, TypeInvalidRequest, CodeMissingAuthorization, "missing Authorization: Bearer <token> header")
			return
		}

		if keystore.ValidateFormat(token) != nil {
			if a.JWT != nil {
				a.admitJWT(w, r, next, token)
				return
			}
			a.Metrics.RecordAdmission("invalid_key")
			WriteErrorStatus(w, http.StatusUnauthorized, TypeInvalidRequest, CodeInvalidAPIKey, "malformed API key")
			return
		}

		key, err := a.Keys.Resolve(token)
		if err != nil || !key.Active {
			a.Metrics.RecordAdmission("invalid_key")
			WriteErrorStatus(w, http.StatusUnauthorized, TypeInvalidRequest, CodeInvalidAPIKey, "unknown or inactive API key")
			return
		}

		limits := ratelimit.Limits{
			RequestsPerMinute:  key.Limits.RequestsPerMinute,
			RequestsPerHour:    key.Limits.RequestsPerHour,
			ConcurrentRequests: key.Limits.ConcurrentRequests,
		}
		decision, slot := a.Limiter.Admit(key.ID, limits)
		ratelimit.ApplyHeaders(func(name, value string) { w.Header().Set(name, value) }, decision)

		if !decision.Allowed {
			if decision.LimitHeader == "concurrent_requests" && a.Overflow != nil && r.Method == http.MethodPost {
				a.enqueueOverflow(w, r, key.ID)
				return
			}
			a.Metrics.RecordAdmission("rate_limited")
			WriteError(w, TypeRateLimit, CodeRateLimitExceeded, "rate limit exceeded: "+decision.LimitHeader)
			return
		}

		a.Metrics.RecordAdmission("admitted")

		principal := &Principal{Key: key, Slot: slot}
		ctx := context.WithValue(r.Context(), principalContextKey{}, principal)

		releaseOnce := releaseGuard(slot)
		defer releaseOnce()

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// admitJWT handles the secondary admission path: a bearer token that failed
// "sk-..." format validation is instead verified as a JWT. tenant_id/user_id
// claims are copied into the request context the same way the primary path's
// Principal.Key identifies the caller downstream; rate limiting keys off the
// token's subject using JWTLimits rather than a per-key keystore entry.
func (a *Admission) admitJWT(w http.ResponseWriter, r *http.Request, next http.Handler, token string) {
	claims, err := a.JWT.Verify(token)
	if err != nil {
		a.Metrics.RecordAdmission("invalid_jwt")
		WriteErrorStatus(w, http.StatusUnauthorized, TypeInvalidRequest, CodeInvalidAPIKey, "invalid bearer token")
		return
	}

	sub := subject(claims)
	decision, slot := a.Limiter.Admit(sub, a.JWTLimits)
	ratelimit.ApplyHeaders(func(name, value string) { w.Header().Set(name, value) }, decision)

	if !decision.Allowed {
		// Overflow replay re-admits through AdmitByKeyID, a keystore lookup
		// -- there is no durable credential to re-verify a JWT against
		// later, so JWT-admitted requests are never queued, only rejected.
		a.Metrics.RecordAdmission("rate_limited")
		WriteError(w, TypeRateLimit, CodeRateLimitExceeded, "rate limit exceeded: "+decision.LimitHeader)
		return
	}

	a.Metrics.RecordAdmission("admitted")

	ctx := context.WithValue(r.Context(), principalContextKey{}, &Principal{Slot: slot})
	if tenantID, ok := claims["tenant_id"].(string); ok && tenantID != "" {
		ctx = types.WithTenantID(ctx, tenantID)
	}
	if userID, ok := claims["user_id"].(string); ok && userID != "" {
		ctx = types.WithUserID(ctx, userID)
	}

	releaseOnce := releaseGuard(slot)
	defer releaseOnce()

	next.ServeHTTP(w, r.WithContext(ctx))
}

// AdmitByKeyID runs the same rate-limit/concurrency check Middleware applies,
// keyed by an already-resolved key id rather than a raw bearer token. The
// overflow drainer uses this to re-admit a queued request through the exact
// same gate an inbound request would face -- there is no bypass path.
func (a *Admission) AdmitByKeyID(keyID string) (ratelimit.Decision, *ratelimit.SlotHandle, *keystore.ApiKey, error) {
	key, err := a.Keys.Resolve(keyID)
	if err != nil {
		return ratelimit.Decision{}, nil, nil, err
	}
	if !key.Active {
		return ratelimit.Decision{}, nil, nil, keystore.ErrNotFound
	}

	limits := ratelimit.Limits{
		RequestsPerMinute:  key.Limits.RequestsPerMinute,
		RequestsPerHour:    key.Limits.RequestsPerHour,
		ConcurrentRequests: key.Limits.ConcurrentRequests,
	}
	decision, slot := a.Limiter.Admit(key.ID, limits)
	return decision, slot, key, nil
}

// enqueueOverflow persists the request body for replay once concurrency
// headroom returns, and responds 202 with the assigned request id. A
// client-supplied X-Request-ID is honored so retried submissions dedupe
// against overflow.ErrDuplicateRequest instead of double-queuing.
func (a *Admission) enqueueOverflow(w http.ResponseWriter, r *http.Request, apiKeyID string) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		a.Metrics.RecordAdmission("overflow_read_error")
		WriteError(w, TypeServerError, CodeServiceUnavailable, "failed to buffer request for queuing")
		return
	}

	requestID := r.Header.Get("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
	}

	ttl := a.OverflowTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}

	job := OverflowJob{Method: r.Method, Path: r.URL.Path, Body: json.RawMessage(body)}
	payload, err := overflow.Marshal(job)
	if err != nil {
		a.Metrics.RecordAdmission("overflow_marshal_error")
		WriteError(w, TypeServerError, CodeServiceUnavailable, "failed to queue request")
		return
	}

	err = a.Overflow.Enqueue(r.Context(), requestID, apiKeyID, payload, time.Now().Add(ttl), 0)
	if err != nil && err != overflow.ErrDuplicateRequest {
		a.Metrics.RecordAdmission("overflow_enqueue_error")
		WriteError(w, TypeServerError, CodeServiceUnavailable, "failed to queue request")
		return
	}

	a.Metrics.RecordAdmission("overflow_queued")
	a.Metrics.RecordOverflowEnqueue("concurrent_requests")

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(queuedResponse{Status: "queued", RequestID: requestID})
}

// OverflowJob is the payload shape persisted for a queued admission
// request; the drainer's Replayer reconstructs an equivalent call from it.
type OverflowJob struct {
	Method string          `json:"method"`
	Path   string          `json:"path"`
	Body   json.RawMessage `json:"body"`
}

// releaseGuard returns a function that releases slot exactly once. Streaming
// handlers that outlive the middleware's defer must call Principal.Slot.Release
// themselves and this guard becomes a no-op double release (itself idempotent).
func releaseGuard(slot *ratelimit.SlotHandle) func() {
	return func() { slot.Release() }
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(h, prefix))
	if token == "" {
		return "", false
	}
	return token, true
}
