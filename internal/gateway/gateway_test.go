package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"tentackl/internal/apperr"
	cachemem "tentackl/internal/cache/memory"
	"tentackl/internal/ports"
)

func newGateway(t *testing.T) *Gateway {
	t.Helper()
	g, err := New(Options{Cache: cachemem.New()})
	require.NoError(t, err)
	return g
}

func ctx() context.Context { return context.Background() }

func TestAuthenticateSourceAPIKey(t *testing.T) {
	g := newGateway(t)
	require.NoError(t, g.RegisterSource(ctx(), ports.SourceRegistration{
		SourceID: "src1", OrgID: "org1", AuthKind: "api_key", Secret: "shh",
	}))

	require.NoError(t, g.AuthenticateSource(ctx(), "src1", map[string]string{"X-API-Key": "shh"}, nil))
	err := g.AuthenticateSource(ctx(), "src1", map[string]string{"X-API-Key": "wrong"}, nil)
	require.Error(t, err)
	require.True(t, apperr.Is(err, apperr.Forbidden))
}

func TestAuthenticateSourceBearer(t *testing.T) {
	g := newGateway(t)
	require.NoError(t, g.RegisterSource(ctx(), ports.SourceRegistration{
		SourceID: "src1", OrgID: "org1", AuthKind: "bearer", Secret: "tok",
	}))

	require.NoError(t, g.AuthenticateSource(ctx(), "src1", map[string]string{"Authorization": "Bearer tok"}, nil))
	require.Error(t, g.AuthenticateSource(ctx(), "src1", map[string]string{"Authorization": "Bearer nope"}, nil))
}

func TestAuthenticateSourceHMAC(t *testing.T) {
	g := newGateway(t)
	require.NoError(t, g.RegisterSource(ctx(), ports.SourceRegistration{
		SourceID: "src1", OrgID: "org1", AuthKind: "hmac", Secret: "secret",
	}))
	body := []byte(`{"hello":"world"}`)
	mac := hmac.New(sha256.New, []byte("secret"))
	mac.Write(body)
	sig := "sha256=" + fmt.Sprintf("%x", mac.Sum(nil))

	require.NoError(t, g.AuthenticateSource(ctx(), "src1", map[string]string{"X-Signature-256": sig}, body))
	require.Error(t, g.AuthenticateSource(ctx(), "src1", map[string]string{"X-Signature-256": "sha256=deadbeef"}, body))
}

func TestValidateEventDedupesByBodyHash(t *testing.T) {
	g := newGateway(t)
	require.NoError(t, g.RegisterSource(ctx(), ports.SourceRegistration{
		SourceID: "src1", OrgID: "org1", AuthKind: "api_key", Secret: "shh",
	}))
	evt := ports.TriggerEvent{SourceID: "src1", Body: map[string]any{"a": 1}}

	require.NoError(t, g.ValidateEvent(ctx(), "src1", evt))
	err := g.ValidateEvent(ctx(), "src1", evt)
	require.Error(t, err)
	require.True(t, apperr.Is(err, apperr.ValidationError))

	other := ports.TriggerEvent{SourceID: "src1", Body: map[string]any{"a": 2}}
	require.NoError(t, g.ValidateEvent(ctx(), "src1", other))
}

func TestValidateEventDedupesByIdempotencyKey(t *testing.T) {
	g := newGateway(t)
	require.NoError(t, g.RegisterSource(ctx(), ports.SourceRegistration{
		SourceID: "src1", OrgID: "org1", AuthKind: "api_key", Secret: "shh",
	}))

	first := ports.TriggerEvent{SourceID: "src1", Body: map[string]any{"a": 1}, IdempotencyKey: "key-1"}
	second := ports.TriggerEvent{SourceID: "src1", Body: map[string]any{"a": 2}, IdempotencyKey: "key-1"}

	require.NoError(t, g.ValidateEvent(ctx(), "src1", first))
	err := g.ValidateEvent(ctx(), "src1", second)
	require.Error(t, err, "same idempotency key must dedupe even with a different body")
	require.True(t, apperr.Is(err, apperr.ValidationError))
}
