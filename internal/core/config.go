package core

import (
	"strings"

	"github.com/gookit/config/v2"
	"github.com/gookit/config/v2/yaml"
)

type Auth struct {
	Collection string `config:"collection"`
	Identity   string `config:"identity"`
	Password   string `config:"password"`
	Token      string `config:"token"`
	File       string `config:"file"`
}

type Broker struct {
	URL   string `config:"url"`
	Topic string `config:"topic"`
	Name  string `config:"name"`
}

// Durations are in seconds.
type Realtime struct {
	MaxRetries    int `config:"max_retries"`
	SubmitTimeout int `config:"submit_timeout"`
}

type Config struct {
	BaseURL      string   `config:"base_url"`
	Addr         string   `config:"addr"`
	JWTSecret    string   `config:"jwt_secret"`
	LogLevel     string   `config:"log_level"`
	PingInterval int      `config:"ping_interval"`
	Topics       []string `config:"topics"`
	Auth         Auth     `config:"auth"`
	Broker       Broker   `config:"broker"`
	Realtime     Realtime `config:"realtime"`
}

func NewConfig(path string) (*Config, error) {
	appConfig := Config{
		BaseURL:      "http://127.0.0.1:8090",
		Addr:         "127.0.0.1:8090",
		LogLevel:     "info",
		PingInterval: 30,
		Auth:         Auth{Collection: "users"},
		Realtime:     Realtime{SubmitTimeout: 30},
	}

	c := config.New("pocketbase")
	c.WithOptions(func(opt *config.Options) {
		opt.ParseEnv = true
		opt.DecoderConfig.TagName = "config"
	})

	c.AddDriver(yaml.Driver)

	if err := c.LoadFiles(path); err != nil {
		return nil, err
	}

	if err := c.LoadExists(strings.Replace(path, ".yml", ".local.yml", 1)); err != nil {
		return nil, err
	}

	if err := c.BindStruct("", &appConfig); err != nil {
		return nil, err
	}

	return &appConfig, nil
}
