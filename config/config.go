package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every tunable of the API server and the worker binaries.
type Config struct {
	HTTP struct {
		Addr         string        `yaml:"addr"`
		MetricsAddr  string        `yaml:"metrics_addr"`
		ReadTimeout  time.Duration `yaml:"read_timeout"`
		WriteTimeout time.Duration `yaml:"write_timeout"`
	} `yaml:"http"`

	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		PoolSize int    `yaml:"pool_size"`
	} `yaml:"redis"`

	MySQL struct {
		DSN          string        `yaml:"dsn"`
		MaxOpenConns int           `yaml:"max_open_conns"`
		MaxIdleConns int           `yaml:"max_idle_conns"`
		ConnMaxLife  time.Duration `yaml:"conn_max_lifetime"`
		AutoMigrate  bool          `yaml:"auto_migrate"`
	} `yaml:"mysql"`

	Kafka struct {
		Brokers []string `yaml:"brokers"`
		Topic   string   `yaml:"topic"`
		GroupID string   `yaml:"group_id"`
		// DLQTopic receives outcome events the ledger could not store.
		DLQTopic string `yaml:"dlq_topic"`
	} `yaml:"kafka"`

	FlashSale struct {
		TicketTTL         time.Duration `yaml:"ticket_ttl"`
		ResultTTL         time.Duration `yaml:"result_ttl"`
		ProcessingTTL     time.Duration `yaml:"processing_ttl"`
		PositionScanLimit int64         `yaml:"position_scan_limit"`
		// InventoryBackend is "mysql" or "redis".
		InventoryBackend string `yaml:"inventory_backend"`
	} `yaml:"flash_sale"`

	Worker struct {
		Enabled      bool          `yaml:"enabled"`
		PollInterval time.Duration `yaml:"poll_interval"`
		LockTTL      time.Duration `yaml:"lock_ttl"`
		Items        []int64       `yaml:"items"`
	} `yaml:"worker"`

	Internal struct {
		Token string `yaml:"token"`
	} `yaml:"internal"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

// Default returns a config usable against a local docker-compose stack.
func Default() *Config {
	c := &Config{}
	c.HTTP.Addr = ":8080"
	c.HTTP.MetricsAddr = ":8081"
	c.HTTP.ReadTimeout = 5 * time.Second
	c.HTTP.WriteTimeout = 10 * time.Second

	c.Redis.Addr = "localhost:6379"
	c.Redis.PoolSize = 50

	c.MySQL.DSN = "root:password123@tcp(127.0.0.1:3306)/flash_db?charset=utf8mb4&parseTime=True&loc=Local"
	c.MySQL.MaxOpenConns = 100
	c.MySQL.MaxIdleConns = 50
	c.MySQL.ConnMaxLife = time.Hour
	c.MySQL.AutoMigrate = true

	c.Kafka.Topic = "flashsale-outcomes"
	c.Kafka.GroupID = "flashsale-outcome-ledger"
	c.Kafka.DLQTopic = "flashsale-outcomes-dlq"

	c.FlashSale.TicketTTL = 15 * time.Second
	c.FlashSale.ResultTTL = 600 * time.Second
	c.FlashSale.ProcessingTTL = 60 * time.Second
	c.FlashSale.PositionScanLimit = 5000
	c.FlashSale.InventoryBackend = "mysql"

	c.Worker.Enabled = true
	c.Worker.PollInterval = 30 * time.Millisecond
	c.Worker.LockTTL = 2 * time.Second
	c.Worker.Items = []int64{1}

	c.Log.Level = "info"
	c.Log.Format = "text"
	return c
}

// Load reads path over the defaults (an empty path skips the file), then
// applies environment overrides and validates.
func Load(path string) (*Config, error) {
	c := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, c); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	c.applyEnv()

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("HTTP_ADDR"); v != "" {
		c.HTTP.Addr = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("MYSQL_DSN"); v != "" {
		c.MySQL.DSN = v
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		c.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("INTERNAL_API_TOKEN"); v != "" {
		c.Internal.Token = v
	}
}

func (c *Config) Validate() error {
	fs := c.FlashSale
	if fs.TicketTTL <= 0 || fs.ResultTTL <= 0 || fs.ProcessingTTL <= 0 {
		return fmt.Errorf("flash_sale ttls must be positive")
	}
	if fs.ProcessingTTL < fs.TicketTTL {
		return fmt.Errorf("flash_sale.processing_ttl (%s) must not be shorter than ticket_ttl (%s)", fs.ProcessingTTL, fs.TicketTTL)
	}
	if fs.PositionScanLimit <= 0 {
		return fmt.Errorf("flash_sale.position_scan_limit must be positive")
	}
	switch fs.InventoryBackend {
	case "mysql", "redis":
	default:
		return fmt.Errorf("flash_sale.inventory_backend %q: want mysql or redis", fs.InventoryBackend)
	}
	if c.Worker.PollInterval <= 0 || c.Worker.LockTTL <= 0 {
		return fmt.Errorf("worker.poll_interval and worker.lock_ttl must be positive")
	}
	for _, id := range c.Worker.Items {
		if id <= 0 {
			return fmt.Errorf("worker.items: invalid item id %d", id)
		}
	}
	return nil
}
