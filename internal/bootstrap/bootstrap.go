// Package bootstrap opens the backing services both binaries need.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"flash-queue/config"
	"flash-queue/model"
	"flash-queue/repository"
	"flash-queue/service"

	"github.com/redis/go-redis/v9"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Stores is everything built from the config, shared by reference.
type Stores struct {
	Redis     *repository.RedisStore
	MySQL     *repository.MySQLRepository
	Queue     *repository.RedisQueueRepository
	Tickets   *repository.RedisTicketRepository
	Markers   *repository.RedisMarkerRepository
	Locks     *repository.RedisLockRepository
	RedisInv  *repository.RedisInventoryRepository
	Inventory repository.Reservoir
	Stock     service.StockReader
	Publisher repository.OutcomePublisher

	backend string
	closers []func() error
}

func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Stores, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})
	store := repository.NewRedisStore(rdb)
	if err := store.Ping(ctx); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis %s: %w", cfg.Redis.Addr, err)
	}

	db, err := gorm.Open(mysql.Open(cfg.MySQL.DSN), &gorm.Config{
		SkipDefaultTransaction: true,
		Logger:                 gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		rdb.Close()
		return nil, fmt.Errorf("mysql: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		rdb.Close()
		return nil, fmt.Errorf("mysql pool: %w", err)
	}
	sqlDB.SetMaxOpenConns(cfg.MySQL.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MySQL.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.MySQL.ConnMaxLife)

	s := &Stores{
		Redis:    store,
		MySQL:    repository.NewMySQLRepository(db),
		Queue:    repository.NewRedisQueueRepository(store),
		Tickets:  repository.NewRedisTicketRepository(store),
		Markers:  repository.NewRedisMarkerRepository(store),
		Locks:    repository.NewRedisLockRepository(store),
		RedisInv: repository.NewRedisInventoryRepository(store),
		backend:  cfg.FlashSale.InventoryBackend,
		closers:  []func() error{sqlDB.Close, rdb.Close},
	}

	if cfg.MySQL.AutoMigrate {
		if err := s.MySQL.Migrate(); err != nil {
			s.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}

	switch cfg.FlashSale.InventoryBackend {
	case "redis":
		s.Inventory, s.Stock = s.RedisInv, s.RedisInv
	default:
		s.Inventory, s.Stock = s.MySQL, s.MySQL
	}

	if len(cfg.Kafka.Brokers) > 0 {
		kafkaRepo := repository.NewKafkaRepository(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		s.Publisher = kafkaRepo
		s.closers = append([]func() error{kafkaRepo.Close}, s.closers...)
	} else {
		logger.Warn("no kafka brokers configured, outcome events are dropped")
		s.Publisher = repository.NopPublisher{}
	}

	logger.Info("stores ready",
		"redis", cfg.Redis.Addr,
		"inventory", cfg.FlashSale.InventoryBackend,
		"kafka", len(cfg.Kafka.Brokers) > 0,
	)
	return s, nil
}

// Seed makes every item a flash-sale catalog entry with the given stock,
// in the catalog and in the active inventory backend.
func (s *Stores) Seed(ctx context.Context, items []int64, stock int64) error {
	for _, id := range items {
		item := model.Item{ID: id, Name: "flash item " + strconv.FormatInt(id, 10), Type: model.ItemTypeFlashSale}
		if err := s.MySQL.SeedItem(ctx, item, stock); err != nil {
			return fmt.Errorf("seed item %d: %w", id, err)
		}
		if s.backend == "redis" {
			if err := s.RedisInv.SetStock(ctx, id, stock); err != nil {
				return fmt.Errorf("seed stock %d: %w", id, err)
			}
		}
	}
	return nil
}

func (s *Stores) Service(cfg *config.Config, logger *slog.Logger) *service.FlashSaleService {
	return service.NewFlashSaleService(service.Deps{
		Queue:     s.Queue,
		Tickets:   s.Tickets,
		Markers:   s.Markers,
		Catalog:   s.MySQL,
		Inventory: s.Inventory,
		Orders:    s.MySQL,
		Publisher: s.Publisher,
	}, service.Options{
		TicketTTL:         cfg.FlashSale.TicketTTL,
		ProcessingTTL:     cfg.FlashSale.ProcessingTTL,
		ResultTTL:         cfg.FlashSale.ResultTTL,
		PositionScanLimit: cfg.FlashSale.PositionScanLimit,
	}, logger)
}

func (s *Stores) Close() {
	for _, c := range s.closers {
		_ = c()
	}
}
