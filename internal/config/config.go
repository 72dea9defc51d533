package config

import (
	"fmt"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/shopspring/decimal"
)

type Config struct {
	HTTPAddress string `yaml:"http_address" env:"HTTP_ADDRESS" env-default:":8080"`
	DBURI       string `yaml:"db_uri" env:"DB_URI"`
	LogLevel    string `yaml:"log_level" env:"LOG_LEVEL" env-default:"info"`
	LogFormat   string `yaml:"log_format" env:"LOG_FORMAT" env-default:"console"`

	JWTSecret string        `yaml:"jwt_secret" env:"JWT_SECRET"`
	JWTTTL    time.Duration `yaml:"jwt_ttl" env:"JWT_TTL" env-default:"24h"`

	TxMaxAttempts    int           `yaml:"tx_max_attempts" env:"TX_MAX_ATTEMPTS" env-default:"5"`
	PaymentWindow    time.Duration `yaml:"payment_window" env:"PAYMENT_WINDOW" env-default:"15m"`
	BookPushInterval time.Duration `yaml:"book_push_interval" env:"BOOK_PUSH_INTERVAL" env-default:"5s"`

	StarterBalances map[string]string `yaml:"starter_balances" env:"STARTER_BALANCES" env-default:"USDT:1000,BTC:0.01,ETH:0.1,USD:2000,EUR:1600"`

	Seed SeedConfig `yaml:"seed"`
}

type SeedConfig struct {
	Orders     int   `yaml:"orders" env:"SEED_ORDERS" env-default:"8"`
	RandomSeed int64 `yaml:"random_seed" env:"SEED_RANDOM_SEED" env-default:"1"`
}

// Load reads the YAML file at path, or only the environment when path is empty.
func Load(path string) (*Config, error) {
	config := &Config{}

	var err error
	if path != "" {
		err = cleanenv.ReadConfig(path, config)
	} else {
		err = cleanenv.ReadEnv(config)
	}
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	if config.TxMaxAttempts < 1 {
		config.TxMaxAttempts = 1
	}

	return config, nil
}

// Starter parses the starter balance policy into decimals.
func (c *Config) Starter() (map[string]decimal.Decimal, error) {
	out := make(map[string]decimal.Decimal, len(c.StarterBalances))
	for asset, raw := range c.StarterBalances {
		amount, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, fmt.Errorf("starter balance %s: %w", asset, err)
		}
		if amount.IsNegative() {
			return nil, fmt.Errorf("starter balance %s is negative", asset)
		}
		out[asset] = amount
	}
	return out, nil
}
