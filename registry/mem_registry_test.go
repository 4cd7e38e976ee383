package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsintel/ops-agent/model"
)

func TestAcknowledgeSurvivesTTLExpiration(t *testing.T) {
	r := NewMemRegistry()
	ctx := context.Background()
	now := time.Now()

	inc := model.Incident{ID: NewIncidentID(now), Status: model.IncidentActive, LastUpdated: now, RootCause: model.RootCause{Endpoint: "/payment"}}
	require.NoError(t, r.Upsert(ctx, inc))

	acked, err := r.Acknowledge(ctx, inc.ID, now)
	require.NoError(t, err)
	assert.Equal(t, model.IncidentAcknowledged, acked.Status)

	later := now.Add(time.Hour)
	removed, err := r.ExpireTTL(ctx, later, 30*time.Minute)
	require.NoError(t, err)
	assert.Empty(t, removed)

	got, err := r.Get(ctx, inc.ID)
	require.NoError(t, err)
	assert.Equal(t, model.IncidentAcknowledged, got.Status)
}

func TestActiveIncidentAutoClosesAfterTTL(t *testing.T) {
	r := NewMemRegistry()
	ctx := context.Background()
	now := time.Now()

	inc := model.Incident{ID: NewIncidentID(now), Status: model.IncidentActive, LastUpdated: now, RootCause: model.RootCause{Endpoint: "/payment"}}
	require.NoError(t, r.Upsert(ctx, inc))

	removed, err := r.ExpireTTL(ctx, now.Add(31*time.Minute), 30*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, []string{inc.ID}, removed)

	_, err = r.Get(ctx, inc.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestResolveRemovesAfterGracePass(t *testing.T) {
	r := NewMemRegistry()
	ctx := context.Background()
	now := time.Now()

	inc := model.Incident{ID: NewIncidentID(now), Status: model.IncidentActive, LastUpdated: now, RootCause: model.RootCause{Endpoint: "/payment"}}
	require.NoError(t, r.Upsert(ctx, inc))

	// Resolve before this registry's first-ever ExpireTTL call, so the
	// pass counter is still at its zero value here.
	_, err := r.Resolve(ctx, inc.ID, "fixed", now)
	require.NoError(t, err)

	// Same pass: still visible.
	got, err := r.Get(ctx, inc.ID)
	require.NoError(t, err)
	assert.Equal(t, model.IncidentResolved, got.Status)

	// First TTL sweep after resolve bumps the pass counter but the
	// resolve happened in the pass before this sweep, so it's still kept
	// until the NEXT sweep.
	_, err = r.ExpireTTL(ctx, now, time.Hour)
	require.NoError(t, err)
	_, err = r.Get(ctx, inc.ID)
	require.NoError(t, err)

	_, err = r.ExpireTTL(ctx, now, time.Hour)
	require.NoError(t, err)
	_, err = r.Get(ctx, inc.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListFiltersByStatusAndEndpoint(t *testing.T) {
	r := NewMemRegistry()
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, r.Upsert(ctx, model.Incident{
		ID: "a", Status: model.IncidentActive, Severity: model.SeverityHigh,
		RootCause: model.RootCause{Endpoint: "/payment"}, AffectedEndpoints: []string{"/payment"}, LastUpdated: now,
	}))
	require.NoError(t, r.Upsert(ctx, model.Incident{
		ID: "b", Status: model.IncidentResolved, Severity: model.SeverityLow,
		RootCause: model.RootCause{Endpoint: "/inventory"}, AffectedEndpoints: []string{"/inventory"}, LastUpdated: now,
	}))

	out, err := r.List(ctx, Filter{Status: model.IncidentActive})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "a", out[0].ID)

	out, err = r.List(ctx, Filter{Endpoint: "/inventory"})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "b", out[0].ID)
}
