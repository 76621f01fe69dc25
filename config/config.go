package config

import (
	"os"

	"gopkg.in/yaml.v2"
)

// 配置
type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Chain    ChainConfig    `yaml:"chain"`
	Sync     SyncConfig     `yaml:"sync"`
	Query    QueryConfig    `yaml:"query"`
}

// 数据库
type DatabaseConfig struct {
	Driver   string `yaml:"driver"`
	DSN      string `yaml:"dsn"`
	MaxOpen  int    `yaml:"max_open"`
	MaxIdle  int    `yaml:"max_idle"`
	LifeTime int    `yaml:"life_time"`
}

// 链
type ChainConfig struct {
	Name         string `yaml:"name"`
	RPCURL       string `yaml:"rpc_url"` // ws:// 支持实时订阅, http:// 回退轮询
	ContractAddr string `yaml:"contract_addr"`
	StartBlock   uint64 `yaml:"start_block"`
}

// 同步
type SyncConfig struct {
	BlockBatchSize uint64 `yaml:"block_batch_size"`
	PollInterval   int    `yaml:"poll_interval"` // 秒
	RetryBackoff   int    `yaml:"retry_backoff"` // 秒
	MaxRetries     int    `yaml:"max_retries"`
}

// 查询
type QueryConfig struct {
	LeaderboardLimit int `yaml:"leaderboard_limit"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Sync.BlockBatchSize == 0 {
		c.Sync.BlockBatchSize = 1000
	}
	if c.Sync.PollInterval == 0 {
		c.Sync.PollInterval = 10
	}
	if c.Sync.RetryBackoff == 0 {
		c.Sync.RetryBackoff = 2
	}
	if c.Sync.MaxRetries == 0 {
		c.Sync.MaxRetries = 3
	}
	if c.Query.LeaderboardLimit == 0 {
		c.Query.LeaderboardLimit = 10
	}
}
