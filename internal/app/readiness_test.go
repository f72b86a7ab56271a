package app_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/llm-job-broker/internal/app"
)

type fakePinger struct{ err error }

func (f fakePinger) Ping(context.Context) error { return f.err }

type fakeRedisResult struct{ err error }

func (f fakeRedisResult) Err() error { return f.err }

type fakeRedis struct{ err error }

func (f fakeRedis) Ping(context.Context) app.RedisPingResult { return fakeRedisResult{err: f.err} }

func TestBuildReadinessChecks_AllHealthy(t *testing.T) {
	db, redis, kafka := app.BuildReadinessChecks(fakePinger{}, fakeRedis{}, fakePinger{})
	ctx := context.Background()

	require.NoError(t, db(ctx))
	require.NoError(t, redis(ctx))
	require.NoError(t, kafka(ctx))
}

func TestBuildReadinessChecks_OptionalClientsYieldNilChecks(t *testing.T) {
	db, redis, kafka := app.BuildReadinessChecks(nil, nil, nil)

	// The database is mandatory; its check reports the missing pool instead
	// of disappearing.
	require.Error(t, db(context.Background()))
	require.Nil(t, redis)
	require.Nil(t, kafka)
}

func TestBuildReadinessChecks_PropagatesProbeFailures(t *testing.T) {
	boom := errors.New("connection refused")
	db, redis, kafka := app.BuildReadinessChecks(fakePinger{err: boom}, fakeRedis{err: boom}, fakePinger{err: boom})
	ctx := context.Background()

	require.ErrorIs(t, db(ctx), boom)
	require.ErrorIs(t, redis(ctx), boom)
	require.ErrorIs(t, kafka(ctx), boom)
}
