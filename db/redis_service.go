package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"school-records-server/config"
	"school-records-server/models"
)

const savedAtSuffix = ":savedAt" // String: RFC3339 time of the last full write

// RedisService keeps the serialized Database under a single key. Every save
// overwrites the whole value.
type RedisService struct {
	Client    *redis.Client
	key       string
	legacyKey string
	log       *zap.SugaredLogger
}

// NewRedisService creates a new RedisService instance
func NewRedisService(client *redis.Client, storage config.StorageConfig, log *zap.SugaredLogger) *RedisService {
	return &RedisService{
		Client:    client,
		key:       storage.Key,
		legacyKey: storage.LegacyKey,
		log:       log,
	}
}

// LoadRaw returns the stored Database JSON, or nil when nothing was saved yet.
func (s *RedisService) LoadRaw(ctx context.Context) ([]byte, error) {
	return s.get(ctx, s.key)
}

// LoadLegacyRaw returns the value of the array-of-students era key, if any.
func (s *RedisService) LoadLegacyRaw(ctx context.Context) ([]byte, error) {
	if s.legacyKey == "" {
		return nil, nil
	}
	return s.get(ctx, s.legacyKey)
}

func (s *RedisService) get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.Client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil // Not found is not an error here
		}
		s.log.Errorf("Error reading key %s: %v", key, err)
		return nil, fmt.Errorf("failed to read %s from Redis: %w", key, err)
	}
	return data, nil
}

// Save overwrites the stored Database.
func (s *RedisService) Save(ctx context.Context, database *models.Database) error {
	data, err := json.Marshal(database)
	if err != nil {
		return fmt.Errorf("failed to encode database: %w", err)
	}

	pipe := s.Client.TxPipeline()
	pipe.Set(ctx, s.key, data, 0)
	pipe.Set(ctx, s.key+savedAtSuffix, time.Now().UTC().Format(time.RFC3339), 0)
	if _, err := pipe.Exec(ctx); err != nil {
		s.log.Errorf("Error saving database under %s: %v", s.key, err)
		return fmt.Errorf("failed to save database to Redis: %w", err)
	}
	s.log.Debugf("Saved database: %d students, %d classes", len(database.Students), len(database.Metadata.Classes))
	return nil
}

// SavedAt returns the time of the last Save. ok is false when nothing was saved.
func (s *RedisService) SavedAt(ctx context.Context) (t time.Time, ok bool, err error) {
	raw, err := s.get(ctx, s.key+savedAtSuffix)
	if err != nil || raw == nil {
		return time.Time{}, false, err
	}
	t, err = time.Parse(time.RFC3339, string(raw))
	if err != nil {
		return time.Time{}, false, fmt.Errorf("invalid save timestamp %q: %w", raw, err)
	}
	return t, true, nil
}

// Ping checks the connection.
func (s *RedisService) Ping(ctx context.Context) error {
	return s.Client.Ping(ctx).Err()
}

// InitializeRedisClient creates and tests a Redis client connection
func InitializeRedisClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("could not connect to Redis at %s: %w", cfg.Addr, err)
	}
	return rdb, nil
}
