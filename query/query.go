package query

import (
	"context"
	"sort"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/scorechain/chainboard/chain"
	"github.com/scorechain/chainboard/db"
	"github.com/scorechain/chainboard/ranking"
)

// 结果来源标记
type Provenance string

const (
	FromCache Provenance = "cache" // 本地缓存命中
	FromChain Provenance = "chain" // 缓存未命中，回源现算
)

var (
	// 两边都查不到该标识，正常查询结果而非故障
	ErrNotFound = errors.New("not found")
	// 缓存未命中且链上回源也失败
	ErrSourceUnavailable = errors.New("source unavailable")
)

// Service 只读查询服务：先查缓存，未命中或缓存故障时回源链上现算，
// 现算结果不落库，同步器保持唯一写入方。
type Service struct {
	store  *db.Store
	source chain.EventSource
	log    zerolog.Logger
}

func NewService(store *db.Store, source chain.EventSource, log zerolog.Logger) *Service {
	return &Service{
		store:  store,
		source: source,
		log:    log.With().Str("component", "query").Logger(),
	}
}

type HistoryEntry struct {
	GameID   uint64 `json:"game_id"`
	Score    uint64 `json:"score"`
	Position int    `json:"position"`
}

type PlayerStats struct {
	Player           string         `json:"player"`
	BestScore        *uint64        `json:"best_score"`
	TotalWins        uint64         `json:"total_wins"`
	TotalGamesPlayed uint64         `json:"total_games_played"`
	AccessoryID      uint64         `json:"accessory_id"`
	History          []HistoryEntry `json:"history"`
	Provenance       Provenance     `json:"provenance"`
}

type GameParticipant struct {
	Player        string  `json:"player"`
	Score         uint64  `json:"score"`
	Position      int     `json:"position"`
	AccessoryID   uint64  `json:"accessory_id"`
	AccessoryName *string `json:"accessory_name"`
}

type GameDetail struct {
	ID           uint64            `json:"id"`
	Winner       string            `json:"winner"`
	Direction    string            `json:"direction"`
	Participants []GameParticipant `json:"participants"`
	Provenance   Provenance        `json:"provenance"`
}

type LeaderboardRow struct {
	Player     string  `json:"player"`
	BestScore  *uint64 `json:"best_score"`
	TotalWins  uint64  `json:"total_wins"`
	TotalGames uint64  `json:"total_games"`
}

type Leaderboard struct {
	Rows       []LeaderboardRow `json:"rows"`
	Direction  string           `json:"direction"`
	Provenance Provenance       `json:"provenance"`
}

type SyncStatus struct {
	LastSyncedBlock  uint64    `json:"last_synced_block"`
	LastSyncedGameID uint64    `json:"last_synced_game_id"`
	Direction        string    `json:"direction"`
	SyncedAt         time.Time `json:"synced_at"`
	Games            int64     `json:"games"`
	Participants     int64     `json:"participants"`
	Players          int64     `json:"players"`
}

// GetPlayerStats 玩家统计。总局数以参赛记录数为准。
func (s *Service) GetPlayerStats(ctx context.Context, addr string) (*PlayerStats, error) {
	stats, err := s.store.GetPlayerStats(ctx, addr)
	if err == nil && stats != nil {
		history, herr := s.store.GetPlayerHistory(ctx, addr)
		if herr == nil {
			entries := make([]HistoryEntry, len(history))
			for i, h := range history {
				entries[i] = HistoryEntry{GameID: h.GameID, Score: h.Score, Position: h.Position}
			}
			return &PlayerStats{
				Player:           addr,
				BestScore:        stats.BestScore,
				TotalWins:        stats.TotalWins,
				TotalGamesPlayed: uint64(len(history)),
				AccessoryID:      stats.AccessoryID,
				History:          entries,
				Provenance:       FromCache,
			}, nil
		}
		err = herr
	}
	if err != nil {
		s.log.Warn().Err(err).Str("player", addr).Msg("store read failed, falling back to chain")
	}

	result, ferr := s.playerStatsFromChain(ctx, addr)
	if ferr != nil {
		return nil, errors.Wrap(ErrSourceUnavailable, ferr.Error())
	}
	if result == nil {
		return nil, ErrNotFound
	}
	return result, nil
}

// GetGame 单局详情，参赛记录按名次排序
func (s *Service) GetGame(ctx context.Context, id uint64) (*GameDetail, error) {
	game, participants, err := s.store.GetGame(ctx, id)
	if err == nil && game != nil {
		rows := make([]GameParticipant, len(participants))
		for i, p := range participants {
			rows[i] = GameParticipant{
				Player:        p.PlayerAddr,
				Score:         p.Score,
				Position:      p.Position,
				AccessoryID:   p.AccessoryID,
				AccessoryName: p.AccessoryName,
			}
		}
		return &GameDetail{
			ID:           game.ID,
			Winner:       game.Winner,
			Direction:    game.Direction.String(),
			Participants: rows,
			Provenance:   FromCache,
		}, nil
	}
	if err != nil {
		s.log.Warn().Err(err).Uint64("game", id).Msg("store read failed, falling back to chain")
	}

	result, ferr := s.gameFromChain(ctx, id)
	if ferr != nil {
		return nil, errors.Wrap(ErrSourceUnavailable, ferr.Error())
	}
	if result == nil {
		return nil, ErrNotFound
	}
	return result, nil
}

// GetLeaderboard 排行榜，缓存为空或故障时回源折叠全量事件
func (s *Service) GetLeaderboard(ctx context.Context, limit int) (*Leaderboard, error) {
	checkpoint, err := s.store.Checkpoint(ctx)
	if err == nil {
		rows, lerr := s.store.Leaderboard(ctx, limit, checkpoint.Direction)
		if lerr == nil && len(rows) > 0 {
			board := make([]LeaderboardRow, len(rows))
			for i, r := range rows {
				board[i] = LeaderboardRow{
					Player:     r.PlayerAddr,
					BestScore:  r.BestScore,
					TotalWins:  r.TotalWins,
					TotalGames: r.TotalGames,
				}
			}
			return &Leaderboard{Rows: board, Direction: checkpoint.Direction.String(), Provenance: FromCache}, nil
		}
		err = lerr
	}
	if err != nil {
		s.log.Warn().Err(err).Msg("store read failed, falling back to chain")
	}

	result, ferr := s.leaderboardFromChain(ctx, limit)
	if ferr != nil {
		return nil, errors.Wrap(ErrSourceUnavailable, ferr.Error())
	}
	return result, nil
}

// GetSyncStatus 同步进度与各表行数
func (s *Service) GetSyncStatus(ctx context.Context) (*SyncStatus, error) {
	checkpoint, err := s.store.Checkpoint(ctx)
	if err != nil {
		return nil, err
	}
	games, participants, players, err := s.store.Counts(ctx)
	if err != nil {
		return nil, err
	}
	return &SyncStatus{
		LastSyncedBlock:  checkpoint.LastBlock,
		LastSyncedGameID: checkpoint.LastGameID,
		Direction:        checkpoint.Direction.String(),
		SyncedAt:         checkpoint.SyncedAt,
		Games:            games,
		Participants:     participants,
		Players:          players,
	}, nil
}

// 回源重放全量事件折叠出玩家统计，玩家从未出现返回 nil
func (s *Service) playerStatsFromChain(ctx context.Context, addr string) (*PlayerStats, error) {
	events, err := s.allEvents(ctx)
	if err != nil {
		return nil, err
	}

	var agg ranking.Aggregate
	var history []HistoryEntry
	dir := ranking.HigherWins

	for i := range events {
		ev := &events[i]
		if ev.Validate() != nil {
			continue
		}
		switch ev.Type {
		case chain.EventOrderingChanged:
			dir = ev.Ordering.Direction
		case chain.EventGameFinished:
			g := ev.Game
			ranked := ranking.Rank(toEntries(g), dir)
			for _, r := range ranked {
				if r.Player != addr {
					continue
				}
				agg = ranking.Fold(agg, r.Score, g.Winner == addr, dir)
				history = append(history, HistoryEntry{GameID: g.GameID, Score: r.Score, Position: r.Position})
			}
		}
	}

	if !agg.HasPlayed {
		return nil, nil
	}

	accID, err := s.source.EquippedAccessory(ctx, addr)
	if err != nil {
		s.log.Warn().Err(err).Str("player", addr).Msg("failed to look up equipped accessory")
		accID = 0
	}

	best := agg.BestScore
	return &PlayerStats{
		Player:           addr,
		BestScore:        &best,
		TotalWins:        agg.TotalWins,
		TotalGamesPlayed: uint64(len(history)),
		AccessoryID:      accID,
		History:          history,
		Provenance:       FromChain,
	}, nil
}

// 回源点查单局并现算名次，未找到返回 nil。
// 方向取该局在事件序列中位置上生效的值：链上当前方向可能已被之后的
// OrderingChanged 改过，直接用会与同步器最终入库的名次不一致。
func (s *Service) gameFromChain(ctx context.Context, id uint64) (*GameDetail, error) {
	ev, err := s.source.GameEvent(ctx, id)
	if err != nil {
		return nil, err
	}
	if ev == nil {
		return nil, nil
	}
	if verr := ev.Validate(); verr != nil {
		return nil, verr
	}

	dir, err := s.directionAt(ctx, ev.BlockNumber, ev.LogIndex)
	if err != nil {
		return nil, err
	}

	g := ev.Game
	ranked := ranking.Rank(toEntries(g), dir)
	rows := make([]GameParticipant, len(ranked))
	for i, r := range ranked {
		accID, accName := s.lookupAccessory(ctx, r.Player)
		rows[i] = GameParticipant{
			Player:        r.Player,
			Score:         r.Score,
			Position:      r.Position,
			AccessoryID:   accID,
			AccessoryName: accName,
		}
	}

	return &GameDetail{
		ID:           g.GameID,
		Winner:       g.Winner,
		Direction:    dir.String(),
		Participants: rows,
		Provenance:   FromChain,
	}, nil
}

// 回源折叠全量事件生成排行榜
func (s *Service) leaderboardFromChain(ctx context.Context, limit int) (*Leaderboard, error) {
	events, err := s.allEvents(ctx)
	if err != nil {
		return nil, err
	}

	aggs := make(map[string]ranking.Aggregate)
	order := make([]string, 0) // 首次出现顺序，保证结果确定
	dir := ranking.HigherWins

	for i := range events {
		ev := &events[i]
		if ev.Validate() != nil {
			continue
		}
		switch ev.Type {
		case chain.EventOrderingChanged:
			dir = ev.Ordering.Direction
		case chain.EventGameFinished:
			g := ev.Game
			for j, player := range g.Players {
				if _, seen := aggs[player]; !seen {
					order = append(order, player)
				}
				aggs[player] = ranking.Fold(aggs[player], g.Scores[j], g.Winner == player, dir)
			}
		}
	}

	rows := make([]LeaderboardRow, 0, len(order))
	for _, player := range order {
		agg := aggs[player]
		best := agg.BestScore
		rows = append(rows, LeaderboardRow{
			Player:     player,
			BestScore:  &best,
			TotalWins:  agg.TotalWins,
			TotalGames: agg.TotalGames,
		})
	}

	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].TotalWins != rows[j].TotalWins {
			return rows[i].TotalWins > rows[j].TotalWins
		}
		return dir.Better(*rows[i].BestScore, *rows[j].BestScore)
	})
	if len(rows) > limit {
		rows = rows[:limit]
	}

	return &Leaderboard{Rows: rows, Direction: dir.String(), Provenance: FromChain}, nil
}

// 重放 (block, logIndex) 之前的方向切换事件，得到该位置生效的方向。
// 之前没有切换事件时用初始方向，与同步器从起始区块追补的口径一致。
func (s *Service) directionAt(ctx context.Context, block uint64, logIndex uint) (ranking.Direction, error) {
	events, err := s.source.EventsSince(ctx, 0, block)
	if err != nil {
		return 0, err
	}

	dir := ranking.HigherWins
	for i := range events {
		ev := &events[i]
		if ev.Type != chain.EventOrderingChanged || ev.Validate() != nil {
			continue
		}
		if ev.BlockNumber > block || (ev.BlockNumber == block && ev.LogIndex >= logIndex) {
			continue
		}
		dir = ev.Ordering.Direction
	}
	return dir, nil
}

func (s *Service) allEvents(ctx context.Context) ([]chain.Event, error) {
	latest, err := s.source.LatestBlock(ctx)
	if err != nil {
		return nil, err
	}
	return s.source.EventsSince(ctx, 0, latest)
}

func (s *Service) lookupAccessory(ctx context.Context, player string) (uint64, *string) {
	accID, err := s.source.EquippedAccessory(ctx, player)
	if err != nil || accID == 0 {
		return 0, nil
	}
	name, err := s.source.AccessoryName(ctx, accID)
	if err != nil {
		return accID, nil
	}
	return accID, &name
}

func toEntries(g *chain.GameFinishedEvent) []ranking.Entry {
	entries := make([]ranking.Entry, len(g.Players))
	for i := range g.Players {
		entries[i] = ranking.Entry{Player: g.Players[i], Score: g.Scores[i]}
	}
	return entries
}
