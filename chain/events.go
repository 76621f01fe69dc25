package chain

import (
	"github.com/pkg/errors"

	"github.com/scorechain/chainboard/ranking"
)

// 事件类型
type EventType string

const (
	EventGameFinished    EventType = "game_finished"
	EventOrderingChanged EventType = "ordering_changed"
)

// 链上事件，按类型携带对应负载
type Event struct {
	Type        EventType
	SequenceID  uint64 // GameFinished 事件等于 gameId，其余为 0
	BlockNumber uint64
	TxHash      string
	LogIndex    uint

	Game     *GameFinishedEvent
	Ordering *OrderingChangedEvent
}

// 一局结束事件负载
type GameFinishedEvent struct {
	GameID  uint64
	Winner  string
	Players []string
	Scores  []uint64
}

func (e *GameFinishedEvent) Validate() error {
	if len(e.Players) == 0 {
		return errors.New("empty player set")
	}
	if len(e.Players) != len(e.Scores) {
		return errors.Errorf("players/scores length mismatch: %d vs %d", len(e.Players), len(e.Scores))
	}
	if e.Winner == "" {
		return errors.New("missing winner")
	}
	// 参赛者以 (gameId, player) 为主键入库，重复地址会被静默吞掉一行，
	// 名次也不再是连续的 1..N，这里直接判为畸形负载
	seen := make(map[string]struct{}, len(e.Players))
	for _, p := range e.Players {
		if _, dup := seen[p]; dup {
			return errors.Errorf("duplicate player %s", p)
		}
		seen[p] = struct{}{}
	}
	return nil
}

// 排名方向切换事件负载
type OrderingChangedEvent struct {
	Direction ranking.Direction
}

func (e *OrderingChangedEvent) Validate() error {
	if !e.Direction.Valid() {
		return errors.Errorf("direction out of range: %d", e.Direction)
	}
	return nil
}

func (ev *Event) Validate() error {
	switch ev.Type {
	case EventGameFinished:
		if ev.Game == nil {
			return errors.New("missing game payload")
		}
		return ev.Game.Validate()
	case EventOrderingChanged:
		if ev.Ordering == nil {
			return errors.New("missing ordering payload")
		}
		return ev.Ordering.Validate()
	default:
		return errors.Errorf("unknown event type: %s", ev.Type)
	}
}
