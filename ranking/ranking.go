package ranking

import "sort"

// 排名方向
type Direction uint8

const (
	HigherWins Direction = 0 // 分数越高越好
	LowerWins  Direction = 1 // 分数越低越好
)

func (d Direction) Valid() bool {
	return d == HigherWins || d == LowerWins
}

// a 是否比 b 更优
func (d Direction) Better(a, b uint64) bool {
	if d == LowerWins {
		return a < b
	}
	return a > b
}

func (d Direction) String() string {
	if d == LowerWins {
		return "asc"
	}
	return "desc"
}

// 参赛条目
type Entry struct {
	Player string
	Score  uint64
}

// 排名结果
type RankedEntry struct {
	Player   string
	Score    uint64
	Position int // 1 起始
}

// Rank 按方向对参赛者排序并分配 1..N 的名次。
// 稳定排序：同分保持输入顺序。
func Rank(entries []Entry, dir Direction) []RankedEntry {
	ranked := make([]RankedEntry, len(entries))
	for i, e := range entries {
		ranked[i] = RankedEntry{Player: e.Player, Score: e.Score}
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		return dir.Better(ranked[i].Score, ranked[j].Score)
	})

	for i := range ranked {
		ranked[i].Position = i + 1
	}
	return ranked
}

// 玩家聚合，零值表示尚无记录
type Aggregate struct {
	BestScore  uint64
	TotalWins  uint64
	TotalGames uint64
	HasPlayed  bool
}

// Fold 将一局成绩并入聚合。
// 从零值按局顺序折叠同一序列必须得到相同结果（可重放）。
func Fold(agg Aggregate, score uint64, winner bool, dir Direction) Aggregate {
	if !agg.HasPlayed {
		agg.BestScore = score
		agg.HasPlayed = true
	} else if dir.Better(score, agg.BestScore) {
		agg.BestScore = score
	}

	agg.TotalGames++
	if winner {
		agg.TotalWins++
	}
	return agg
}
