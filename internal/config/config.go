package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Server  ServerConfig  `toml:"server"`
	Store   StoreConfig   `toml:"store"`
	Gateway GatewayConfig `toml:"gateway"`
	LLM     LLMConfig     `toml:"llm"`
}

type ServerConfig struct {
	Addr string `toml:"addr"`
}

type StoreConfig struct {
	Path string `toml:"path"`
}

type GatewayConfig struct {
	AssetRoot   string `toml:"asset_root"`
	Upstream    string `toml:"upstream"`
	PollDelayMS int    `toml:"poll_delay_ms"`
}

type LLMConfig struct {
	OpenAIAPIKey    string `toml:"openai_api_key"`
	OpenAIBaseURL   string `toml:"openai_base_url"`
	OpenAIModel     string `toml:"openai_model"`
	AnthropicAPIKey string `toml:"anthropic_api_key"`
}

func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr: ":8080",
		},
		Store: StoreConfig{
			Path: "data/content.db",
		},
		Gateway: GatewayConfig{
			AssetRoot:   "game",
			PollDelayMS: 2000,
		},
		LLM: LLMConfig{
			OpenAIBaseURL: "https://api.openai.com/v1",
		},
	}
}

func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	return cfg, nil
}
