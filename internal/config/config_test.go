package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err, "缺少配置文件时应使用默认值")
	require.Equal(t, 30*time.Second, cfg.HTTP.Timeout)
	require.Equal(t, 5*time.Minute, cfg.Cache.MarketsTTL)
	require.Equal(t, 10, cfg.Tokens.Pages)
	require.Equal(t, 20, cfg.Tokens.FuzzyMinScore)
	require.Equal(t, ":3000", cfg.Server.Addr)
	require.Empty(t, cfg.RPCURL("mainnet"))
	require.Equal(t, 720*time.Hour, cfg.Scheduler.SnapshotRetention)
	require.False(t, cfg.Alerting.Enabled)
	require.Equal(t, 6*time.Hour, cfg.Alerting.Cooldown)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := []byte(`
server:
  addr: ":8080"
chains:
  mainnet: https://rpc.example.org/key
  mainnet-lido: https://lido.example.org
cache:
  markets_ttl: 90s
tokens:
  pages: 2
`)
	require.NoError(t, os.WriteFile(path, body, 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.Server.Addr)
	require.Equal(t, 90*time.Second, cfg.Cache.MarketsTTL)
	require.Equal(t, 2, cfg.Tokens.Pages)
	require.Equal(t, "https://rpc.example.org/key", cfg.RPCURL("mainnet"))
	require.Equal(t, "https://lido.example.org", cfg.RPCURL("MAINNET-LIDO"))
	require.Equal(t, time.Hour, cfg.Cache.VaultWhitelistTTL)
	require.Equal(t, "https://blue-api.morpho.org/graphql", cfg.Morpho.GraphQLURL)
}

func TestValidate(t *testing.T) {
	base := func() Config {
		return Config{
			HTTP:      HTTPConfig{Timeout: time.Second},
			Cache:     CacheConfig{MarketsTTL: time.Minute, PriceTTL: time.Minute, VaultWhitelistTTL: time.Hour, TokenListTTL: time.Hour},
			Tokens:    TokensConfig{Pages: 1, PerPage: 10},
			Scheduler: SchedulerConfig{TokenRefreshInterval: time.Hour},
		}
	}

	cfg := base()
	require.NoError(t, cfg.Validate())

	cfg = base()
	cfg.HTTP.Timeout = 0
	require.Error(t, cfg.Validate(), "超时为 0 应报错")

	cfg = base()
	cfg.Tokens.Pages = 0
	require.Error(t, cfg.Validate())

	cfg = base()
	cfg.Auth.Enabled = true
	require.Error(t, cfg.Validate(), "启用鉴权但无 key 来源应报错")
	cfg.Auth.Keys = []string{"k"}
	require.NoError(t, cfg.Validate())

	cfg = base()
	cfg.Morpho.SlippageBps = 10000
	require.Error(t, cfg.Validate())

	cfg = base()
	cfg.Scheduler.SnapshotRetention = -time.Hour
	require.Error(t, cfg.Validate())

	cfg = base()
	cfg.Alerting = AlertingConfig{Enabled: true, Interval: time.Minute, MinAPY: 5}
	require.Error(t, cfg.Validate(), "启用告警但未配置 Telegram 应报错")
	cfg.Alerting.Telegram = TelegramConfig{Enabled: true, BotToken: "t", ChatID: "c"}
	require.NoError(t, cfg.Validate())
	cfg.Alerting.Interval = 0
	require.Error(t, cfg.Validate())
}
