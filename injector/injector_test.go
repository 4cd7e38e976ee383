package injector

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCheckReturnsZeroDecisionForUnconfiguredEndpoint(t *testing.T) {
	inj := New()
	d := inj.Check("/payment")
	assert.Equal(t, Decision{}, d)
}

func TestSetAndCheckAppliesDelay(t *testing.T) {
	inj := New()
	inj.Set("/payment", Rule{DelayMs: 500})
	d := inj.Check("/payment")
	assert.Equal(t, int64(500), d.DelayMs)
	assert.False(t, d.ForceError)
}

func TestSetWithZeroRuleClearsEndpoint(t *testing.T) {
	inj := New()
	inj.Set("/payment", Rule{DelayMs: 500})
	inj.Set("/payment", Rule{})
	d := inj.Check("/payment")
	assert.Equal(t, Decision{}, d)
}

func TestCheckAlwaysErrorsAtFullErrorRate(t *testing.T) {
	inj := New()
	inj.Set("/payment", Rule{ErrorRate: 1.0})
	for i := 0; i < 20; i++ {
		d := inj.Check("/payment")
		assert.True(t, d.ForceError)
		assert.NotEmpty(t, d.ErrorMsg)
	}
}

func TestClearEmptiesTable(t *testing.T) {
	inj := New()
	inj.Set("/payment", Rule{DelayMs: 100})
	inj.Set("/checkout", Rule{ErrorRate: 0.5})
	inj.Clear()
	assert.Empty(t, inj.Snapshot())
}

func TestSnapshotReturnsIndependentCopy(t *testing.T) {
	inj := New()
	inj.Set("/payment", Rule{DelayMs: 100})
	snap := inj.Snapshot()
	snap["/payment"] = Rule{DelayMs: 999}
	d := inj.Check("/payment")
	assert.Equal(t, int64(100), d.DelayMs)
}
