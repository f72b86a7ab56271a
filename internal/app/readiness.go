package app

import (
	"context"
	"fmt"
)

// Pinger is the minimal interface for a database pool capable of Ping.
type Pinger interface{ Ping(ctx context.Context) error }

// RedisPingResult is the minimal return type of a Redis client's Ping.
type RedisPingResult interface{ Err() error }

// RedisClient is the minimal interface for a Redis client needed for readiness.
type RedisClient interface{ Ping(ctx context.Context) RedisPingResult }

// KafkaPinger is the minimal broker-liveness interface of a Kafka client.
type KafkaPinger interface{ Ping(ctx context.Context) error }

// BuildReadinessChecks returns the db, redis, and kafka readiness checks.
// Redis and Kafka are optional capabilities: a nil client yields a nil check
// and the readiness handler skips the probe instead of failing on it.
func BuildReadinessChecks(pool Pinger, rdb RedisClient, kafka KafkaPinger) (
	func(ctx context.Context) error,
	func(ctx context.Context) error,
	func(ctx context.Context) error,
) {
	dbCheck := func(ctx context.Context) error {
		if pool == nil {
			return fmt.Errorf("db not configured")
		}
		return pool.Ping(ctx)
	}
	var redisCheck func(ctx context.Context) error
	if rdb != nil {
		redisCheck = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	}
	var kafkaCheck func(ctx context.Context) error
	if kafka != nil {
		kafkaCheck = func(ctx context.Context) error { return kafka.Ping(ctx) }
	}
	return dbCheck, redisCheck, kafkaCheck
}
