package db

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/scorechain/chainboard/ranking"
)

const syncStateID = 1

// SaveGame 发现该局已入库时返回，整个事务放弃且不产生任何写入。
// 追补与实时路径并发送达同一事件时靠它保证只生效一次。
var ErrAlreadyStored = errors.New("game already stored")

type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// GameExists 供同步器在重算之前廉价去重
func (s *Store) GameExists(ctx context.Context, id uint64) (bool, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&Game{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return false, errors.Wrapf(err, "failed to check game %d", id)
	}
	return count > 0, nil
}

// GetGame 返回一局及按名次排序的参赛记录，未找到返回 (nil, nil, nil)
func (s *Store) GetGame(ctx context.Context, id uint64) (*Game, []Participant, error) {
	var game Game
	result := s.db.WithContext(ctx).First(&game, "id = ?", id)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, nil, nil
		}
		return nil, nil, errors.Wrapf(result.Error, "failed to get game %d", id)
	}

	var participants []Participant
	if err := s.db.WithContext(ctx).
		Where("game_id = ?", id).
		Order("position ASC").
		Find(&participants).Error; err != nil {
		return nil, nil, errors.Wrapf(err, "failed to get participants for game %d", id)
	}
	return &game, participants, nil
}

// GetPlayerStats 未找到返回 (nil, nil)
func (s *Store) GetPlayerStats(ctx context.Context, addr string) (*PlayerStats, error) {
	var stats PlayerStats
	result := s.db.WithContext(ctx).First(&stats, "player_addr = ?", addr)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, errors.Wrapf(result.Error, "failed to get stats for %s", addr)
	}
	return &stats, nil
}

// GetPlayerHistory 按局号升序返回玩家全部参赛记录
func (s *Store) GetPlayerHistory(ctx context.Context, addr string) ([]Participant, error) {
	var history []Participant
	if err := s.db.WithContext(ctx).
		Where("player_addr = ?", addr).
		Order("game_id ASC").
		Find(&history).Error; err != nil {
		return nil, errors.Wrapf(err, "failed to get history for %s", addr)
	}
	return history, nil
}

// Leaderboard 按 (胜场, 最好成绩) 取前 limit 名，未参赛玩家不上榜
func (s *Store) Leaderboard(ctx context.Context, limit int, dir ranking.Direction) ([]PlayerStats, error) {
	order := "total_wins DESC, best_score DESC"
	if dir == ranking.LowerWins {
		order = "total_wins DESC, best_score ASC"
	}

	var board []PlayerStats
	if err := s.db.WithContext(ctx).
		Where("has_played = ?", true).
		Order(order).
		Limit(limit).
		Find(&board).Error; err != nil {
		return nil, errors.Wrap(err, "failed to get leaderboard")
	}
	return board, nil
}

// Checkpoint 只读取同步进度；行尚不存在时返回零值水位，不产生写入，
// 查询服务可以安全调用
func (s *Store) Checkpoint(ctx context.Context) (*SyncState, error) {
	var state SyncState
	result := s.db.WithContext(ctx).First(&state, "id = ?", syncStateID)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return &SyncState{ID: syncStateID, Direction: ranking.HigherWins}, nil
		}
		return nil, errors.Wrap(result.Error, "failed to get checkpoint")
	}
	return &state, nil
}

// EnsureCheckpoint 首次启动时创建零值进度行，同步器启动时调用
func (s *Store) EnsureCheckpoint(ctx context.Context) (*SyncState, error) {
	state := SyncState{ID: syncStateID, Direction: ranking.HigherWins, SyncedAt: time.Now()}
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&state).Error; err != nil {
		return nil, errors.Wrap(err, "failed to create checkpoint")
	}
	return s.Checkpoint(ctx)
}

// AdvanceBlock 前移进度水位，只前进不后退
func (s *Store) AdvanceBlock(ctx context.Context, block uint64) error {
	err := s.db.WithContext(ctx).Model(&SyncState{}).
		Where("id = ? AND last_block < ?", syncStateID, block).
		Updates(map[string]interface{}{
			"last_block": block,
			"synced_at":  time.Now(),
		}).Error
	return errors.Wrapf(err, "failed to advance checkpoint to block %d", block)
}

// SetDirection 持久化新的排名方向，只影响之后的局，已存名次不回改
func (s *Store) SetDirection(ctx context.Context, block uint64, dir ranking.Direction) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&SyncState{}).
			Where("id = ?", syncStateID).
			Updates(map[string]interface{}{
				"direction": dir,
				"synced_at": time.Now(),
			}).Error; err != nil {
			return errors.Wrap(err, "failed to set direction")
		}
		return tx.Model(&SyncState{}).
			Where("id = ? AND last_block < ?", syncStateID, block).
			Update("last_block", block).Error
	})
}

// SaveGame 把一局、参赛记录、折叠后的玩家聚合和进度水位作为一个事务写入。
// 任一步失败整体回滚，进度不前移，重试安全。
// 局记录按主键插入去重：并发写同一局时只有先到者落库，后到者收到
// ErrAlreadyStored 且不写任何数据。
func (s *Store) SaveGame(ctx context.Context, game *Game, participants []Participant, stats []PlayerStats) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(game)
		if result.Error != nil {
			return errors.Wrapf(result.Error, "failed to insert game %d", game.ID)
		}
		if result.RowsAffected == 0 {
			return ErrAlreadyStored
		}

		if len(participants) > 0 {
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&participants).Error; err != nil {
				return errors.Wrapf(err, "failed to insert participants for game %d", game.ID)
			}
		}

		if len(stats) > 0 {
			if err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "player_addr"}},
				UpdateAll: true,
			}).Create(&stats).Error; err != nil {
				return errors.Wrapf(err, "failed to upsert player stats for game %d", game.ID)
			}
		}

		// 进度与数据同事务前移，读者不会看到超前于数据的水位
		return tx.Model(&SyncState{}).
			Where("id = ? AND last_block <= ?", syncStateID, game.BlockNumber).
			Updates(map[string]interface{}{
				"last_block":   game.BlockNumber,
				"last_game_id": game.ID,
				"synced_at":    time.Now(),
			}).Error
	})
}

// Counts 各表行数，用于同步状态接口
func (s *Store) Counts(ctx context.Context) (games, participants, players int64, err error) {
	if err = s.db.WithContext(ctx).Model(&Game{}).Count(&games).Error; err != nil {
		return 0, 0, 0, errors.Wrap(err, "failed to count games")
	}
	if err = s.db.WithContext(ctx).Model(&Participant{}).Count(&participants).Error; err != nil {
		return 0, 0, 0, errors.Wrap(err, "failed to count participants")
	}
	if err = s.db.WithContext(ctx).Model(&PlayerStats{}).Count(&players).Error; err != nil {
		return 0, 0, 0, errors.Wrap(err, "failed to count players")
	}
	return games, participants, players, nil
}
