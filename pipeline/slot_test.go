package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSlotTransitions(t *testing.T) {
	slot := newSlot(2, "payload")
	assert.Equal(t, SlotIdle, slot.state)

	slot.transition(SlotIdle, SlotFilling)
	slot.transition(SlotFilling, SlotReady)
	slot.sequence = 9
	assert.Equal(t, SlotSnapshot{Index: 2, State: SlotReady, Sequence: 9}, slot.snapshot())

	frame := slot.frame()
	assert.Equal(t, uint64(9), frame.Number)
	assert.Equal(t, 2, frame.Slot)
	assert.Equal(t, "payload", frame.Buffer)

	assert.Panics(t, func() {
		slot.transition(SlotFilling, SlotReady)
	}, "a ready slot cannot be filled again")
	assert.Panics(t, func() {
		slot.transition(SlotIdle, SlotProcessing)
	})
}

func TestStateNames(t *testing.T) {
	tests := []struct {
		value    interface{ String() string }
		expected string
	}{
		{SlotIdle, "idle"},
		{SlotFilling, "filling"},
		{SlotReady, "ready"},
		{SlotProcessing, "processing"},
		{SlotState(42), "SlotState(42)"},
		{StateConfigured, "configured"},
		{StateStopRequested, "stop-requested"},
		{OverflowDrop, "drop"},
	}
	for _, test := range tests {
		assert.Equal(t, test.expected, test.value.String())
	}

	text, err := StateRunning.MarshalText()
	assert.NoError(t, err)
	assert.Equal(t, "running", string(text))
}

func TestParseOverflowPolicy(t *testing.T) {
	tests := []struct {
		input    string
		expected OverflowPolicy
		err      bool
	}{
		{"", OverflowBlock, false},
		{"block", OverflowBlock, false},
		{" Drop ", OverflowDrop, false},
		{"overwrite", OverflowBlock, true},
	}
	for _, test := range tests {
		t.Run(test.input, func(t *testing.T) {
			policy, err := ParseOverflowPolicy(test.input)
			if test.err {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, test.expected, policy)
		})
	}
}
