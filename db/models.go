package db

import (
	"time"

	"gorm.io/gorm"

	"github.com/scorechain/chainboard/ranking"
)

// 一局比赛，写入后不再修改
type Game struct {
	ID          uint64 `gorm:"primaryKey;autoIncrement:false"` // 链上 gameId
	BlockNumber uint64
	TxHash      string `gorm:"uniqueIndex;size:66"`
	Winner      string `gorm:"size:42"`
	PlayerCount int
	Direction   ranking.Direction // 记录时生效的排名方向
	CreatedAt   time.Time
}

// 参赛记录，与所属 Game 同一事务写入
type Participant struct {
	GameID        uint64 `gorm:"primaryKey;autoIncrement:false"`
	PlayerAddr    string `gorm:"primaryKey;size:42;index"`
	Score         uint64
	Position      int     // 1 起始，按局内排名
	AccessoryID   uint64  // 同步时刻的装备快照
	AccessoryName *string `gorm:"size:128"` // 解析失败为 NULL
	CreatedAt     time.Time
}

// 玩家聚合，每局之后整体覆盖
type PlayerStats struct {
	PlayerAddr  string  `gorm:"primaryKey;size:42"`
	BestScore   *uint64 // 首局之前为 NULL
	TotalWins   uint64
	TotalGames  uint64
	AccessoryID uint64
	HasPlayed   bool
	UpdatedAt   time.Time
}

// 同步进度，单行
type SyncState struct {
	ID         uint32 `gorm:"primaryKey;autoIncrement:false"`
	LastBlock  uint64
	LastGameID uint64
	Direction  ranking.Direction // 当前生效的排名方向
	SyncedAt   time.Time
}

func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Game{},
		&Participant{},
		&PlayerStats{},
		&SyncState{},
	)
}
