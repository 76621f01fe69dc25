package chain

import (
	"context"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/scorechain/chainboard/config"
	"github.com/scorechain/chainboard/contracts"
	"github.com/scorechain/chainboard/ranking"
)

// 事件源，同步器和查询服务都通过该接口访问链
type EventSource interface {
	LatestBlock(ctx context.Context) (uint64, error)
	EventsSince(ctx context.Context, from, to uint64) ([]Event, error)
	GameEvent(ctx context.Context, gameID uint64) (*Event, error)
	Subscribe(ctx context.Context) (<-chan Event, error)
	Ordering(ctx context.Context) (ranking.Direction, error)
	EquippedAccessory(ctx context.Context, player string) (uint64, error)
	AccessoryName(ctx context.Context, accessoryID uint64) (string, error)
}

type Client struct {
	eth        *ethclient.Client
	arcade     *contracts.Arcade
	abi        abi.ABI
	addr       common.Address
	startBlock uint64
	log        zerolog.Logger

	gameFinishedTopic    common.Hash
	orderingChangedTopic common.Hash
}

var _ EventSource = (*Client)(nil)

func Dial(cfg config.ChainConfig, log zerolog.Logger) (*Client, error) {
	eth, err := ethclient.Dial(cfg.RPCURL)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to connect to %s", cfg.Name)
	}

	parsedABI, err := abi.JSON(strings.NewReader(contracts.ArcadeABI))
	if err != nil {
		eth.Close()
		return nil, errors.Wrap(err, "failed to load arcade ABI")
	}

	addr := common.HexToAddress(cfg.ContractAddr)
	arcade, err := contracts.NewArcade(addr, eth)
	if err != nil {
		eth.Close()
		return nil, errors.Wrap(err, "failed to bind arcade contract")
	}

	return &Client{
		eth:                  eth,
		arcade:               arcade,
		abi:                  parsedABI,
		addr:                 addr,
		startBlock:           cfg.StartBlock,
		log:                  log.With().Str("component", "chain").Logger(),
		gameFinishedTopic:    parsedABI.Events["GameFinished"].ID,
		orderingChangedTopic: parsedABI.Events["OrderingChanged"].ID,
	}, nil
}

func (c *Client) Close() {
	c.eth.Close()
}

func (c *Client) LatestBlock(ctx context.Context) (uint64, error) {
	n, err := c.eth.BlockNumber(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "failed to get latest block")
	}
	return n, nil
}

// EventsSince 返回 [from, to] 区间内按 (区块, 日志序号) 排序的事件。
// 无法解析的日志记录日志后跳过，不会中断整批。
func (c *Client) EventsSince(ctx context.Context, from, to uint64) ([]Event, error) {
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{c.addr},
		Topics: [][]common.Hash{
			{c.gameFinishedTopic, c.orderingChangedTopic},
		},
	}

	logs, err := c.eth.FilterLogs(ctx, query)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to filter logs for blocks %d-%d", from, to)
	}

	events := make([]Event, 0, len(logs))
	for _, vLog := range logs {
		ev, err := c.parseLog(vLog)
		if err != nil {
			c.log.Warn().Err(err).
				Str("tx", vLog.TxHash.Hex()).
				Uint64("block", vLog.BlockNumber).
				Msg("skipping malformed event")
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

// GameEvent 按 gameId 的 indexed topic 点查单局事件，未找到返回 nil。
func (c *Client) GameEvent(ctx context.Context, gameID uint64) (*Event, error) {
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(c.startBlock),
		Addresses: []common.Address{c.addr},
		Topics: [][]common.Hash{
			{c.gameFinishedTopic},
			{common.BigToHash(new(big.Int).SetUint64(gameID))},
		},
	}

	logs, err := c.eth.FilterLogs(ctx, query)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to look up game %d", gameID)
	}
	if len(logs) == 0 {
		return nil, nil
	}

	ev, err := c.parseLog(logs[0])
	if err != nil {
		return nil, errors.Wrapf(err, "malformed event for game %d", gameID)
	}
	return &ev, nil
}

// Subscribe 通过 websocket 订阅新事件。订阅中断时关闭返回的通道，
// 由调用方决定重订阅或回退轮询。
func (c *Client) Subscribe(ctx context.Context) (<-chan Event, error) {
	query := ethereum.FilterQuery{
		Addresses: []common.Address{c.addr},
		Topics: [][]common.Hash{
			{c.gameFinishedTopic, c.orderingChangedTopic},
		},
	}

	rawCh := make(chan types.Log, 64)
	sub, err := c.eth.SubscribeFilterLogs(ctx, query, rawCh)
	if err != nil {
		return nil, errors.Wrap(err, "failed to subscribe to logs")
	}

	out := make(chan Event, 64)
	go func() {
		defer close(out)
		defer sub.Unsubscribe()

		for {
			select {
			case <-ctx.Done():
				return
			case err := <-sub.Err():
				if err != nil {
					c.log.Error().Err(err).Msg("log subscription failed")
				}
				return
			case vLog := <-rawCh:
				ev, err := c.parseLog(vLog)
				if err != nil {
					c.log.Warn().Err(err).
						Str("tx", vLog.TxHash.Hex()).
						Msg("skipping malformed live event")
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (c *Client) Ordering(ctx context.Context) (ranking.Direction, error) {
	raw, err := c.arcade.Ordering(&bind.CallOpts{Context: ctx})
	if err != nil {
		return 0, errors.Wrap(err, "failed to get ordering")
	}
	dir := ranking.Direction(raw)
	if !dir.Valid() {
		return 0, errors.Errorf("contract returned invalid ordering: %d", raw)
	}
	return dir, nil
}

func (c *Client) EquippedAccessory(ctx context.Context, player string) (uint64, error) {
	id, err := c.arcade.EquippedAccessory(&bind.CallOpts{Context: ctx}, common.HexToAddress(player))
	if err != nil {
		return 0, errors.Wrapf(err, "failed to get equipped accessory for %s", player)
	}
	return id, nil
}

func (c *Client) AccessoryName(ctx context.Context, accessoryID uint64) (string, error) {
	name, err := c.arcade.AccessoryName(&bind.CallOpts{Context: ctx}, accessoryID)
	if err != nil {
		return "", errors.Wrapf(err, "failed to resolve accessory %d", accessoryID)
	}
	return name, nil
}

// 解析原始日志为带类型负载的事件
func (c *Client) parseLog(vLog types.Log) (Event, error) {
	if len(vLog.Topics) == 0 {
		return Event{}, errors.New("log has no topics")
	}

	ev := Event{
		BlockNumber: vLog.BlockNumber,
		TxHash:      vLog.TxHash.Hex(),
		LogIndex:    vLog.Index,
	}

	switch vLog.Topics[0] {
	case c.gameFinishedTopic:
		if len(vLog.Topics) < 2 {
			return Event{}, errors.New("game event missing gameId topic")
		}
		var raw struct {
			Winner  common.Address
			Players []common.Address
			Scores  []uint64
		}
		if err := c.abi.UnpackIntoInterface(&raw, "GameFinished", vLog.Data); err != nil {
			return Event{}, errors.Wrap(err, "failed to unpack GameFinished event")
		}

		players := make([]string, len(raw.Players))
		for i, p := range raw.Players {
			players[i] = p.Hex()
		}

		gameID := new(big.Int).SetBytes(vLog.Topics[1].Bytes()).Uint64()
		ev.Type = EventGameFinished
		ev.SequenceID = gameID
		ev.Game = &GameFinishedEvent{
			GameID:  gameID,
			Winner:  raw.Winner.Hex(),
			Players: players,
			Scores:  raw.Scores,
		}

	case c.orderingChangedTopic:
		var raw struct {
			Direction uint8
		}
		if err := c.abi.UnpackIntoInterface(&raw, "OrderingChanged", vLog.Data); err != nil {
			return Event{}, errors.Wrap(err, "failed to unpack OrderingChanged event")
		}
		ev.Type = EventOrderingChanged
		ev.Ordering = &OrderingChangedEvent{Direction: ranking.Direction(raw.Direction)}

	default:
		return Event{}, errors.Errorf("unexpected topic %s", vLog.Topics[0].Hex())
	}

	if err := ev.Validate(); err != nil {
		return Event{}, err
	}
	return ev, nil
}
