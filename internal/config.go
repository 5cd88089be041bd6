package internal

import (
	"fmt"

	"github.com/spf13/viper"
)

type NovaMemConfig struct {
	Memory struct {
		RAMPages      int   `mapstructure:"ram_pages"`
		UserPageLimit int64 `mapstructure:"user_page_limit"`
	} `mapstructure:"memory"`
	Swap struct {
		Path  string `mapstructure:"path"`
		Slots int64  `mapstructure:"slots"`
	} `mapstructure:"swap"`
	Debug bool `mapstructure:"debug"`
}

func LoadConfig(path string) (*NovaMemConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetDefault("memory.ram_pages", 1024)
	v.SetDefault("memory.user_page_limit", 256)
	v.SetDefault("swap.path", "./data/swap.nswp")
	v.SetDefault("swap.slots", 1024)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg NovaMemConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return &cfg, nil
}
