package processor

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/scorechain/chainboard/chain"
	"github.com/scorechain/chainboard/config"
	"github.com/scorechain/chainboard/db"
	"github.com/scorechain/chainboard/ranking"
)

// Processor 负责同步：启动时从进度水位追补历史事件，追平后转入实时跟踪。
// 两个阶段共用同一条 校验 -> 排名 -> 折叠 -> 单事务入库 的路径，
// 依靠 Store 的幂等写保证追补/实时边界上重复送达的事件只生效一次。
type Processor struct {
	cfg    *config.Config
	store  *db.Store
	source chain.EventSource
	log    zerolog.Logger

	// 当前排名方向，启动时取自进度行，随 OrderingChanged 事件更新
	direction ranking.Direction

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	mu      sync.Mutex
}

func New(cfg *config.Config, store *db.Store, source chain.EventSource, log zerolog.Logger) *Processor {
	ctx, cancel := context.WithCancel(context.Background())

	return &Processor{
		cfg:    cfg,
		store:  store,
		source: source,
		log:    log.With().Str("component", "processor").Logger(),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start 同步完成历史追补后启动实时跟踪。
// 追补阶段事件源不可达直接返回错误：此时放行会让缓存静默地提供空数据。
func (p *Processor) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return errors.New("processor already running")
	}

	checkpoint, err := p.store.EnsureCheckpoint(p.ctx)
	if err != nil {
		p.cancel()
		return err
	}
	p.direction = checkpoint.Direction

	if err := p.catchUp(checkpoint.LastBlock); err != nil {
		p.cancel()
		return errors.Wrap(err, "historical catch-up failed")
	}

	p.running = true
	p.wg.Add(1)
	go p.live()

	p.log.Info().Msg("processor started")
	return nil
}

func (p *Processor) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.running {
		return
	}

	p.cancel()
	p.wg.Wait()

	p.running = false
	p.log.Info().Msg("processor stopped")
}

// 追补：从水位+1 逐批拉取到最新区块
func (p *Processor) catchUp(lastBlock uint64) error {
	latest, err := p.source.LatestBlock(p.ctx)
	if err != nil {
		return err
	}

	start := lastBlock + 1
	if p.cfg.Chain.StartBlock > start {
		start = p.cfg.Chain.StartBlock
	}
	if start > latest {
		return nil
	}

	batchSize := p.cfg.Sync.BlockBatchSize
	for from := start; from <= latest; from += batchSize {
		to := from + batchSize - 1
		if to > latest {
			to = latest
		}

		events, err := p.source.EventsSince(p.ctx, from, to)
		if err != nil {
			return err
		}
		for _, ev := range events {
			if err := p.handleEvent(ev); err != nil {
				return err
			}
		}

		if err := p.store.AdvanceBlock(p.ctx, to); err != nil {
			return err
		}
		p.log.Info().
			Uint64("from", from).
			Uint64("to", to).
			Int("events", len(events)).
			Msg("processed block range")
	}
	return nil
}

// 实时阶段：优先订阅，端点不支持时回退轮询。
// 任一事件最终入库失败就放弃当前订阅，从水位重扫：继续消费会让
// 后续事件把水位推过未落库的区块，重启追补就再也补不回该事件。
func (p *Processor) live() {
	defer p.wg.Done()

	backoff := time.Duration(p.cfg.Sync.RetryBackoff) * time.Second
	for {
		if p.ctx.Err() != nil {
			return
		}

		subCtx, cancelSub := context.WithCancel(p.ctx)
		ch, err := p.source.Subscribe(subCtx)
		if err != nil {
			cancelSub()
			p.log.Warn().Err(err).Msg("subscription unavailable, falling back to polling")
			p.poll()
			return
		}
		p.log.Info().Msg("live subscription established")

		// 补扫一次，覆盖追补结束与订阅建立之间的空窗；重复事件幂等。
		// 补扫失败说明水位之后仍有未落库事件，同样不能开始消费订阅。
		if err := p.pollOnce(); err != nil {
			p.log.Error().Err(err).Msg("gap scan failed, retrying from checkpoint")
		} else {
			for ev := range ch {
				if err := p.ingestLive(ev); err != nil {
					p.log.Error().Err(err).
						Uint64("block", ev.BlockNumber).
						Str("tx", ev.TxHash).
						Msg("live event failed after retries, rescanning from checkpoint")
					break
				}
			}
		}
		cancelSub()

		select {
		case <-p.ctx.Done():
			return
		case <-time.After(backoff):
			p.log.Warn().Msg("resubscribing")
		}
	}
}

func (p *Processor) poll() {
	interval := time.Duration(p.cfg.Sync.PollInterval) * time.Second
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-time.After(interval):
			if err := p.pollOnce(); err != nil {
				p.log.Error().Err(err).Msg("poll failed")
			}
		}
	}
}

func (p *Processor) pollOnce() error {
	checkpoint, err := p.store.Checkpoint(p.ctx)
	if err != nil {
		return err
	}

	latest, err := p.source.LatestBlock(p.ctx)
	if err != nil {
		return err
	}
	if latest <= checkpoint.LastBlock {
		return nil
	}

	events, err := p.source.EventsSince(p.ctx, checkpoint.LastBlock+1, latest)
	if err != nil {
		return err
	}
	for _, ev := range events {
		if err := p.handleEvent(ev); err != nil {
			return err
		}
	}
	return p.store.AdvanceBlock(p.ctx, latest)
}

// 实时事件有限重试，仍失败则上抛，由 live 循环放弃订阅从水位重扫
func (p *Processor) ingestLive(ev chain.Event) error {
	backoff := time.Duration(p.cfg.Sync.RetryBackoff) * time.Second

	var err error
	for attempt := 0; attempt < p.cfg.Sync.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-p.ctx.Done():
				return p.ctx.Err()
			case <-time.After(backoff * time.Duration(attempt)):
			}
		}
		if err = p.handleEvent(ev); err == nil {
			return nil
		}
	}
	return err
}

func (p *Processor) handleEvent(ev chain.Event) error {
	if err := ev.Validate(); err != nil {
		// 单个畸形事件不阻塞后续摄取
		p.log.Warn().Err(err).Str("tx", ev.TxHash).Msg("skipping invalid event")
		return nil
	}

	switch ev.Type {
	case chain.EventOrderingChanged:
		dir := ev.Ordering.Direction
		if err := p.store.SetDirection(p.ctx, ev.BlockNumber, dir); err != nil {
			return err
		}
		p.direction = dir
		p.log.Info().Str("direction", dir.String()).Msg("ranking direction changed")
		return nil
	case chain.EventGameFinished:
		return p.ingestGame(ev)
	}
	return nil
}

func (p *Processor) ingestGame(ev chain.Event) error {
	g := ev.Game

	exists, err := p.store.GameExists(p.ctx, g.GameID)
	if err != nil {
		return err
	}
	if exists {
		return p.store.AdvanceBlock(p.ctx, ev.BlockNumber)
	}

	entries := make([]ranking.Entry, len(g.Players))
	for i := range g.Players {
		entries[i] = ranking.Entry{Player: g.Players[i], Score: g.Scores[i]}
	}
	ranked := ranking.Rank(entries, p.direction)

	participants := make([]db.Participant, len(ranked))
	accessories := make(map[string]uint64, len(ranked))
	for i, r := range ranked {
		accID, accName := p.snapshotAccessory(r.Player)
		accessories[r.Player] = accID
		participants[i] = db.Participant{
			GameID:        g.GameID,
			PlayerAddr:    r.Player,
			Score:         r.Score,
			Position:      r.Position,
			AccessoryID:   accID,
			AccessoryName: accName,
		}
	}

	stats := make([]db.PlayerStats, 0, len(ranked))
	for _, r := range ranked {
		existing, err := p.store.GetPlayerStats(p.ctx, r.Player)
		if err != nil {
			return err
		}

		var agg ranking.Aggregate
		if existing != nil && existing.HasPlayed {
			agg = ranking.Aggregate{
				BestScore:  *existing.BestScore,
				TotalWins:  existing.TotalWins,
				TotalGames: existing.TotalGames,
				HasPlayed:  true,
			}
		}
		folded := ranking.Fold(agg, r.Score, r.Player == g.Winner, p.direction)

		best := folded.BestScore
		stats = append(stats, db.PlayerStats{
			PlayerAddr:  r.Player,
			BestScore:   &best,
			TotalWins:   folded.TotalWins,
			TotalGames:  folded.TotalGames,
			AccessoryID: accessories[r.Player],
			HasPlayed:   folded.HasPlayed,
		})
	}

	game := &db.Game{
		ID:          g.GameID,
		BlockNumber: ev.BlockNumber,
		TxHash:      ev.TxHash,
		Winner:      g.Winner,
		PlayerCount: len(g.Players),
		Direction:   p.direction,
	}

	if err := p.store.SaveGame(p.ctx, game, participants, stats); err != nil {
		if errors.Is(err, db.ErrAlreadyStored) {
			// 追补/实时竞争时后到的一方放弃，前者已完整落库
			p.log.Debug().Uint64("game", g.GameID).Msg("game already ingested by concurrent path")
			return nil
		}
		return err
	}

	p.log.Info().
		Uint64("game", g.GameID).
		Uint64("block", ev.BlockNumber).
		Int("players", len(g.Players)).
		Msg("game ingested")
	return nil
}

// 快照玩家当前装备。事件负载不含开局时的装备信息，这里记录的是同步
// 时刻的装备状态，玩家在比赛与同步之间换装时该快照与当时不符，属上游
// 已知限制。查询失败与名称解析失败都只降级，不阻塞整局入库。
func (p *Processor) snapshotAccessory(player string) (uint64, *string) {
	accID, err := p.source.EquippedAccessory(p.ctx, player)
	if err != nil {
		p.log.Warn().Err(err).Str("player", player).Msg("failed to snapshot equipped accessory")
		return 0, nil
	}
	if accID == 0 {
		return 0, nil
	}

	name, err := p.source.AccessoryName(p.ctx, accID)
	if err != nil {
		p.log.Warn().Err(err).Uint64("accessory", accID).Msg("failed to resolve accessory name")
		return accID, nil
	}
	return accID, &name
}
