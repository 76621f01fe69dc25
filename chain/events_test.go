package chain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scorechain/chainboard/ranking"
)

func TestGameFinishedValidate(t *testing.T) {
	valid := &GameFinishedEvent{
		GameID:  1,
		Winner:  "0xA",
		Players: []string{"0xA", "0xB"},
		Scores:  []uint64{10, 20},
	}
	require.NoError(t, valid.Validate())

	mismatched := &GameFinishedEvent{
		GameID:  1,
		Winner:  "0xA",
		Players: []string{"0xA", "0xB"},
		Scores:  []uint64{10},
	}
	assert.Error(t, mismatched.Validate())

	empty := &GameFinishedEvent{GameID: 1, Winner: "0xA"}
	assert.Error(t, empty.Validate())

	noWinner := &GameFinishedEvent{
		GameID:  1,
		Players: []string{"0xA"},
		Scores:  []uint64{10},
	}
	assert.Error(t, noWinner.Validate())

	// 重复地址会让入库名次失去连续性，必须在校验阶段拒绝
	duplicated := &GameFinishedEvent{
		GameID:  1,
		Winner:  "0xA",
		Players: []string{"0xA", "0xB", "0xA"},
		Scores:  []uint64{10, 20, 30},
	}
	assert.Error(t, duplicated.Validate())
}

func TestOrderingChangedValidate(t *testing.T) {
	require.NoError(t, (&OrderingChangedEvent{Direction: ranking.HigherWins}).Validate())
	require.NoError(t, (&OrderingChangedEvent{Direction: ranking.LowerWins}).Validate())
	assert.Error(t, (&OrderingChangedEvent{Direction: ranking.Direction(7)}).Validate())
}

func TestEventValidateRequiresPayload(t *testing.T) {
	assert.Error(t, (&Event{Type: EventGameFinished}).Validate())
	assert.Error(t, (&Event{Type: EventOrderingChanged}).Validate())
	assert.Error(t, (&Event{Type: EventType("bogus")}).Validate())
}
