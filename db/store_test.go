package db

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/scorechain/chainboard/ranking"
)

func newTestStore(t *testing.T) (*gorm.DB, *Store) {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, Migrate(gdb))

	return gdb, NewStore(gdb)
}

func uptr(v uint64) *uint64 { return &v }

func sampleGame(id, block uint64) (*Game, []Participant, []PlayerStats) {
	game := &Game{
		ID:          id,
		BlockNumber: block,
		TxHash:      fmt.Sprintf("0xtx%d", id),
		Winner:      "0xA",
		PlayerCount: 2,
		Direction:   ranking.HigherWins,
	}
	participants := []Participant{
		{GameID: id, PlayerAddr: "0xA", Score: 150, Position: 1},
		{GameID: id, PlayerAddr: "0xB", Score: 120, Position: 2},
	}
	stats := []PlayerStats{
		{PlayerAddr: "0xA", BestScore: uptr(150), TotalWins: 1, TotalGames: 1, HasPlayed: true},
		{PlayerAddr: "0xB", BestScore: uptr(120), TotalGames: 1, HasPlayed: true},
	}
	return game, participants, stats
}

func TestSaveGameAndGetGame(t *testing.T) {
	_, store := newTestStore(t)
	ctx := context.Background()

	game, participants, stats := sampleGame(1, 10)
	require.NoError(t, store.SaveGame(ctx, game, participants, stats))

	got, gotParts, err := store.GetGame(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "0xA", got.Winner)
	assert.Equal(t, 2, got.PlayerCount)
	require.Len(t, gotParts, 2)
	assert.Equal(t, 1, gotParts[0].Position)
	assert.Equal(t, 2, gotParts[1].Position)
}

func TestGetGameMissing(t *testing.T) {
	_, store := newTestStore(t)

	got, parts, err := store.GetGame(context.Background(), 42)
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.Nil(t, parts)
}

// 同一事件重复入库只生效一次
func TestSaveGameIdempotent(t *testing.T) {
	_, store := newTestStore(t)
	ctx := context.Background()

	game, participants, stats := sampleGame(1, 10)
	require.NoError(t, store.SaveGame(ctx, game, participants, stats))

	dup, dupParts, dupStats := sampleGame(1, 10)
	err := store.SaveGame(ctx, dup, dupParts, dupStats)
	require.ErrorIs(t, err, ErrAlreadyStored)

	var count int64
	require.NoError(t, store.db.Model(&Game{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)

	aggA, err := store.GetPlayerStats(ctx, "0xA")
	require.NoError(t, err)
	require.NotNil(t, aggA)
	assert.Equal(t, uint64(1), aggA.TotalGames)
}

// 模拟写入故障：整单回滚且水位不前移，重试后恰好入库一次
func TestSaveGameRollbackOnFault(t *testing.T) {
	gdb, store := newTestStore(t)
	ctx := context.Background()

	_, err := store.EnsureCheckpoint(ctx)
	require.NoError(t, err)

	require.NoError(t, gdb.Migrator().DropTable(&PlayerStats{}))

	game, participants, stats := sampleGame(1, 10)
	err = store.SaveGame(ctx, game, participants, stats)
	require.Error(t, err)

	exists, err := store.GameExists(ctx, 1)
	require.NoError(t, err)
	assert.False(t, exists, "failed unit must not leave a game row behind")

	checkpoint, err := store.Checkpoint(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), checkpoint.LastBlock, "checkpoint must not advance past a failed unit")

	// 故障恢复后重试成功
	require.NoError(t, gdb.AutoMigrate(&PlayerStats{}))
	game, participants, stats = sampleGame(1, 10)
	require.NoError(t, store.SaveGame(ctx, game, participants, stats))

	exists, err = store.GameExists(ctx, 1)
	require.NoError(t, err)
	assert.True(t, exists)

	checkpoint, err = store.Checkpoint(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), checkpoint.LastBlock)
	assert.Equal(t, uint64(1), checkpoint.LastGameID)
}

func TestCheckpointMonotonic(t *testing.T) {
	_, store := newTestStore(t)
	ctx := context.Background()

	_, err := store.EnsureCheckpoint(ctx)
	require.NoError(t, err)

	require.NoError(t, store.AdvanceBlock(ctx, 10))
	require.NoError(t, store.AdvanceBlock(ctx, 5))

	checkpoint, err := store.Checkpoint(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), checkpoint.LastBlock)

	require.NoError(t, store.AdvanceBlock(ctx, 20))
	checkpoint, err = store.Checkpoint(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(20), checkpoint.LastBlock)
}

func TestCheckpointReadOnlyWhenAbsent(t *testing.T) {
	_, store := newTestStore(t)
	ctx := context.Background()

	checkpoint, err := store.Checkpoint(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), checkpoint.LastBlock)
	assert.Equal(t, ranking.HigherWins, checkpoint.Direction)

	// 只读调用不应创建进度行
	var count int64
	require.NoError(t, store.db.Model(&SyncState{}).Count(&count).Error)
	assert.Equal(t, int64(0), count)
}

func TestSetDirection(t *testing.T) {
	_, store := newTestStore(t)
	ctx := context.Background()

	_, err := store.EnsureCheckpoint(ctx)
	require.NoError(t, err)

	require.NoError(t, store.SetDirection(ctx, 15, ranking.LowerWins))

	checkpoint, err := store.Checkpoint(ctx)
	require.NoError(t, err)
	assert.Equal(t, ranking.LowerWins, checkpoint.Direction)
	assert.Equal(t, uint64(15), checkpoint.LastBlock)

	// 方向切换不回退水位
	require.NoError(t, store.SetDirection(ctx, 3, ranking.HigherWins))
	checkpoint, err = store.Checkpoint(ctx)
	require.NoError(t, err)
	assert.Equal(t, ranking.HigherWins, checkpoint.Direction)
	assert.Equal(t, uint64(15), checkpoint.LastBlock)
}

func TestLeaderboardOrderingAndExclusion(t *testing.T) {
	_, store := newTestStore(t)
	ctx := context.Background()

	seed := []PlayerStats{
		{PlayerAddr: "0xA", BestScore: uptr(100), TotalWins: 2, TotalGames: 5, HasPlayed: true},
		{PlayerAddr: "0xB", BestScore: uptr(300), TotalWins: 2, TotalGames: 4, HasPlayed: true},
		{PlayerAddr: "0xC", BestScore: uptr(50), TotalWins: 3, TotalGames: 3, HasPlayed: true},
		{PlayerAddr: "0xD", HasPlayed: false},
	}
	for i := range seed {
		require.NoError(t, store.db.Create(&seed[i]).Error)
	}

	board, err := store.Leaderboard(ctx, 10, ranking.HigherWins)
	require.NoError(t, err)
	require.Len(t, board, 3, "players who never played are excluded")
	assert.Equal(t, "0xC", board[0].PlayerAddr)
	assert.Equal(t, "0xB", board[1].PlayerAddr)
	assert.Equal(t, "0xA", board[2].PlayerAddr)

	// 低分优先方向下同胜场者按最好成绩升序
	board, err = store.Leaderboard(ctx, 10, ranking.LowerWins)
	require.NoError(t, err)
	assert.Equal(t, "0xC", board[0].PlayerAddr)
	assert.Equal(t, "0xA", board[1].PlayerAddr)
	assert.Equal(t, "0xB", board[2].PlayerAddr)

	board, err = store.Leaderboard(ctx, 2, ranking.HigherWins)
	require.NoError(t, err)
	assert.Len(t, board, 2)
}

func TestGetPlayerHistoryOrdered(t *testing.T) {
	_, store := newTestStore(t)
	ctx := context.Background()

	g1, p1, s1 := sampleGame(1, 10)
	require.NoError(t, store.SaveGame(ctx, g1, p1, s1))
	g2, p2, s2 := sampleGame(2, 20)
	require.NoError(t, store.SaveGame(ctx, g2, p2, s2))

	history, err := store.GetPlayerHistory(ctx, "0xA")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, uint64(1), history[0].GameID)
	assert.Equal(t, uint64(2), history[1].GameID)
}

func TestCounts(t *testing.T) {
	_, store := newTestStore(t)
	ctx := context.Background()

	game, participants, stats := sampleGame(1, 10)
	require.NoError(t, store.SaveGame(ctx, game, participants, stats))

	games, parts, players, err := store.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), games)
	assert.Equal(t, int64(2), parts)
	assert.Equal(t, int64(2), players)
}
