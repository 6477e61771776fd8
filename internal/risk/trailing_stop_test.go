package risk

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTrailing() *TrailingStopManager {
	cfg := DefaultTrailingConfig()
	cfg.Enabled = true
	return NewTrailingStopManager(cfg, zerolog.Nop())
}

func TestTrailingStop_Long(t *testing.T) {
	tsm := newTestTrailing()
	tsm.AddPosition("p1", SideLong, d("100"), d("98"))
	tick := d("0.01")

	assert.Nil(t, tsm.UpdatePrice("p1", d("100.4"), tick), "below activation")

	update := tsm.UpdatePrice("p1", d("101"), tick)
	require.NotNil(t, update)
	assert.False(t, update.IsTriggered)
	assert.True(t, update.OldStopLoss.Equal(d("98")))
	assert.True(t, update.NewStopLoss.Equal(d("99.99")), "new stop %s", update.NewStopLoss)

	// a pullback never lowers the stop
	assert.Nil(t, tsm.UpdatePrice("p1", d("100.5"), tick))
	stop, ok := tsm.GetCurrentStopLoss("p1")
	require.True(t, ok)
	assert.True(t, stop.Equal(d("99.99")))

	update = tsm.UpdatePrice("p1", d("99.9"), tick)
	require.NotNil(t, update)
	assert.True(t, update.IsTriggered)
	assert.True(t, update.TriggerPrice.Equal(d("99.9")))
}

func TestTrailingStop_Short(t *testing.T) {
	tsm := newTestTrailing()
	tsm.AddPosition("p2", SideShort, d("100"), d("102"))
	tick := d("0.01")

	update := tsm.UpdatePrice("p2", d("99"), tick)
	require.NotNil(t, update)
	assert.True(t, update.NewStopLoss.Equal(d("99.99")), "new stop %s", update.NewStopLoss)

	pos := tsm.GetPosition("p2")
	require.NotNil(t, pos)
	assert.True(t, pos.IsActivated)
	assert.True(t, pos.LowWaterMark.Equal(d("99")))

	update = tsm.UpdatePrice("p2", d("100"), tick)
	require.NotNil(t, update)
	assert.True(t, update.IsTriggered)
}

func TestTrailingStop_DisabledOnlyDetectsTrigger(t *testing.T) {
	tsm := NewTrailingStopManager(DefaultTrailingConfig(), zerolog.Nop())
	assert.False(t, tsm.Enabled())
	tsm.AddPosition("p3", SideLong, d("100"), d("98"))

	assert.Nil(t, tsm.UpdatePrice("p3", d("105"), d("0.01")))
	update := tsm.UpdatePrice("p3", d("97"), d("0.01"))
	require.NotNil(t, update)
	assert.True(t, update.IsTriggered)
}

func TestTrailingStop_UnknownAndRemoved(t *testing.T) {
	tsm := newTestTrailing()
	assert.Nil(t, tsm.UpdatePrice("missing", d("1"), d("0.01")))

	tsm.AddPosition("p4", SideLong, d("10"), d("9"))
	tsm.RemovePosition("p4")
	assert.Nil(t, tsm.GetPosition("p4"))
	_, ok := tsm.GetCurrentStopLoss("p4")
	assert.False(t, ok)
}
