// Package gateway implements ports.EventGateway: authentication and
// idempotency for inbound webhook events before they reach the trigger
// registry. HMAC verification uses crypto/hmac and crypto/sha256 directly;
// the idempotency check reuses ports.CacheStore's SetIfAbsent, the same
// SETNX+TTL pattern internal/cache/redis implements.
package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"tentackl/internal/apperr"
	"tentackl/internal/ports"
	"tentackl/internal/telemetry"
)

const idempotencyTTL = 5 * time.Minute

// Options configures a Gateway.
type Options struct {
	Cache  ports.CacheStore
	Logger telemetry.Logger
}

// Gateway implements ports.EventGateway.
type Gateway struct {
	mu      sync.RWMutex
	sources map[string]ports.SourceRegistration
	cache   ports.CacheStore
	logger  telemetry.Logger
}

// New validates opts and constructs a Gateway.
func New(opts Options) (*Gateway, error) {
	if opts.Cache == nil {
		return nil, apperr.New(apperr.ValidationError, "gateway: Cache is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Gateway{sources: make(map[string]ports.SourceRegistration), cache: opts.Cache, logger: logger}, nil
}

var _ ports.EventGateway = (*Gateway)(nil)

// RegisterSource stores or replaces source's credentials.
func (g *Gateway) RegisterSource(ctx context.Context, source ports.SourceRegistration) error {
	if source.SourceID == "" || source.Secret == "" {
		return apperr.New(apperr.ValidationError, "gateway: source id and secret are required")
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sources[source.SourceID] = source
	return nil
}

// Source returns sourceID's registration, so a caller building the
// ports.TriggerEvent to validate/match can fill in its OrgID.
func (g *Gateway) Source(sourceID string) (ports.SourceRegistration, error) {
	return g.lookup(sourceID)
}

func (g *Gateway) lookup(sourceID string) (ports.SourceRegistration, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	src, ok := g.sources[sourceID]
	if !ok {
		return ports.SourceRegistration{}, apperr.Newf(apperr.NotFound, "gateway: unknown source %q", sourceID)
	}
	return src, nil
}

// AuthenticateSource verifies headers/rawBody against sourceID's
// registered credentials, per its configured AuthKind.
func (g *Gateway) AuthenticateSource(ctx context.Context, sourceID string, headers map[string]string, rawBody []byte) error {
	src, err := g.lookup(sourceID)
	if err != nil {
		return err
	}
	switch src.AuthKind {
	case "api_key":
		if headerValue(headers, "X-API-Key") != src.Secret {
			return apperr.New(apperr.Forbidden, "gateway: invalid api key")
		}
	case "bearer":
		want := "Bearer " + src.Secret
		if headerValue(headers, "Authorization") != want {
			return apperr.New(apperr.Forbidden, "gateway: invalid bearer token")
		}
	case "hmac":
		sig := headerValue(headers, "X-Signature-256")
		if sig == "" || !verifyHMAC(src.Secret, rawBody, sig) {
			return apperr.New(apperr.Forbidden, "gateway: invalid signature")
		}
	default:
		return apperr.Newf(apperr.ValidationError, "gateway: unsupported auth kind %q", src.AuthKind)
	}
	return nil
}

func headerValue(headers map[string]string, key string) string {
	if v, ok := headers[key]; ok {
		return v
	}
	lower := strings.ToLower(key)
	for k, v := range headers {
		if strings.ToLower(k) == lower {
			return v
		}
	}
	return ""
}

func verifyHMAC(secret string, body []byte, provided string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := "sha256=" + fmt.Sprintf("%x", mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(provided))
}

// ValidateEvent rejects an event already seen within the idempotency
// window. It keys on the caller-supplied Idempotency-Key header when
// present, falling back to SHA-256(source_id || canonical body) otherwise.
func (g *Gateway) ValidateEvent(ctx context.Context, sourceID string, evt ports.TriggerEvent) error {
	if _, err := g.lookup(sourceID); err != nil {
		return err
	}
	var key string
	if evt.IdempotencyKey != "" {
		key = "gateway:idempotency:key:" + sourceID + ":" + evt.IdempotencyKey
	} else {
		body, err := json.Marshal(evt.Body)
		if err != nil {
			return apperr.Wrap(apperr.ValidationError, err, "gateway: marshal event body")
		}
		sum := sha256.Sum256(append([]byte(sourceID), body...))
		key = fmt.Sprintf("gateway:idempotency:%x", sum)
	}
	fresh, err := g.cache.SetIfAbsent(ctx, key, sourceID, idempotencyTTL)
	if err != nil {
		return apperr.Wrap(apperr.DependencyUnavailable, err, "gateway: idempotency check")
	}
	if !fresh {
		return apperr.New(apperr.ValidationError, "gateway: duplicate event within idempotency window")
	}
	return nil
}
