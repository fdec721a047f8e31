package delay

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestControllerStateMachine is spec.md P9: starting in Auto with an
// established EMA, freeze(nil) latches the EMA; set_manual(M) overrides it;
// set_manual(nil) returns to Auto and the EMA resumes updating.
func TestControllerStateMachine(t *testing.T) {
	c := New(0.9)

	applied := c.Update(1.0)
	assert.Equal(t, 1.0, applied)
	applied = c.Update(3.0)
	assert.InDelta(t, 0.9*1.0+0.1*3.0, applied, 1e-12)

	lastEMA := c.Status().AppliedMS

	c.Freeze(nil)
	st := c.Status()
	require.Equal(t, Frozen, st.Mode)
	assert.InDelta(t, lastEMA, st.AppliedMS, 1e-12)

	// Further Update calls while frozen must not move the applied value.
	assert.Equal(t, st.AppliedMS, c.Update(100))

	m := 2.5
	c.SetManual(&m)
	st = c.Status()
	assert.Equal(t, Manual, st.Mode)
	assert.Equal(t, 2.5, st.AppliedMS)
	assert.Equal(t, 2.5, c.Update(999)) // Update ignores rawMS in Manual

	c.SetManual(nil)
	st = c.Status()
	assert.Equal(t, Auto, st.Mode)
	assert.InDelta(t, lastEMA, st.AppliedMS, 1e-12) // EMA untouched by the manual excursion

	next := c.Update(5.0)
	assert.InDelta(t, lastEMA*0.9+5.0*0.1, next, 1e-12)
}

// TestFreezeWithExplicitValue covers spec.md S3: freezing with an explicit
// applied_ms pins the controller regardless of subsequent raw estimates.
func TestFreezeWithExplicitValue(t *testing.T) {
	c := New(0.9)
	c.Update(1.0)

	pinned := 1.0
	c.Freeze(&pinned)
	assert.Equal(t, 1.0, c.Update(2.0))
	assert.Equal(t, 1.0, c.Update(50.0))

	st := c.Status()
	assert.Equal(t, Frozen, st.Mode)
	assert.Nil(t, st.RawMS)
}

// TestFreezeBeforeAnyEstimateStaysAuto covers the "no EMA yet" no-op case.
func TestFreezeBeforeAnyEstimateStaysAuto(t *testing.T) {
	c := New(0.9)
	c.Freeze(nil)
	assert.Equal(t, Auto, c.Status().Mode)
}

func TestSetManualDirect(t *testing.T) {
	c := New(0.9)
	m := 2.5
	c.SetManual(&m)
	st := c.Status()
	assert.Equal(t, Manual, st.Mode)
	assert.Equal(t, 2.5, st.AppliedMS)
}

func TestReset(t *testing.T) {
	c := New(0.9)
	c.Update(10)
	m := 5.0
	c.SetManual(&m)
	c.Reset()

	st := c.Status()
	assert.Equal(t, Auto, st.Mode)
	assert.Equal(t, 0.0, st.AppliedMS)
	assert.Nil(t, st.RawMS)
}

func TestSetAutoFromFrozen(t *testing.T) {
	c := New(0.9)
	c.Update(1.0)
	c.Freeze(nil)
	require.Equal(t, Frozen, c.Status().Mode)

	c.SetAuto()
	assert.Equal(t, Auto, c.Status().Mode)
	// EMA resumed, not reset.
	assert.InDelta(t, 1.0, c.Status().AppliedMS, 1e-12)
}
