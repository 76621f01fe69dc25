package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/scorechain/chainboard/chain"
	"github.com/scorechain/chainboard/config"
	"github.com/scorechain/chainboard/db"
	"github.com/scorechain/chainboard/processor"
	"github.com/scorechain/chainboard/query"
)

func main() {
	// 解析命令行参数
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	flag.Parse()

	log := zerolog.New(os.Stdout).With().Timestamp().Logger()
	zerolog.TimeFieldFormat = time.RFC3339

	// 加载配置
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	// 初始化数据库连接
	database, err := db.InitDB(cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize database")
	}
	defer db.CloseDB(database)

	store := db.NewStore(database)

	// 连接链节点
	source, err := chain.Dial(cfg.Chain, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to chain")
	}
	defer source.Close()

	// 启动同步：追补失败直接退出，避免静默提供空缓存
	proc := processor.New(cfg, store, source, log)
	if err := proc.Start(); err != nil {
		log.Fatal().Err(err).Msg("failed to start processor")
	}

	// 查询服务由外层 HTTP 层挂载，这里仅用于启动自检
	queries := query.NewService(store, source, log)
	if status, err := queries.GetSyncStatus(context.Background()); err == nil {
		log.Info().
			Uint64("last_block", status.LastSyncedBlock).
			Int64("games", status.Games).
			Int64("players", status.Players).
			Msg("cache ready")
	}

	// 等待中断信号优雅退出
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	// 停止服务
	proc.Stop()

	log.Info().Msg("service stopped gracefully")
}
