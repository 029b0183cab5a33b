package cache

import (
	"context"
	"log"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisClient 리프레시 토큰 allow-list 저장소
type RedisClient struct {
	client *redis.Client
}

// NewRedisClient Redis 클라이언트 생성
func NewRedisClient(addr, password string, db int) (*RedisClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	log.Printf("[Redis] Connected to %s", addr)
	return &RedisClient{client: client}, nil
}

func refreshKey(userID int64) string {
	return "user:" + strconv.FormatInt(userID, 10) + ":refresh"
}

// StoreRefreshToken 발급한 리프레시 토큰 저장 (사용자당 1개, TTL 적용)
// Storing only the latest token means a refresh rotates out every previously
// issued one.
func (r *RedisClient) StoreRefreshToken(ctx context.Context, userID int64, token string, ttl time.Duration) error {
	return r.client.Set(ctx, refreshKey(userID), token, ttl).Err()
}

// CheckRefreshToken 저장된 토큰과 일치 여부 확인
func (r *RedisClient) CheckRefreshToken(ctx context.Context, userID int64, token string) (bool, error) {
	stored, err := r.client.Get(ctx, refreshKey(userID)).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return stored == token, nil
}

// RevokeRefreshToken 로그아웃 시 토큰 폐기
func (r *RedisClient) RevokeRefreshToken(ctx context.Context, userID int64) error {
	return r.client.Del(ctx, refreshKey(userID)).Err()
}

// Health Redis 상태 확인
func (r *RedisClient) Health(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close 연결 종료
func (r *RedisClient) Close() error {
	return r.client.Close()
}
