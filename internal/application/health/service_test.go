package health

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pingFunc func() error

func (f pingFunc) Ping() error { return f() }

type ledgerPing func(ctx context.Context) error

func (f ledgerPing) Ping(ctx context.Context) error { return f(ctx) }

func TestCollectHealth_WithNilRedis(t *testing.T) {
	result := CollectHealth(context.Background(), nil, nil, nil)
	assert.Equal(t, "issue", result.Status)
	assert.Equal(t, "disconnected", result.Dependencies["database"].Status)
	assert.Equal(t, "disconnected", result.Dependencies["redis"].Status)
	assert.Equal(t, "embedded", result.Dependencies["ledger"].Status)
	assert.Equal(t, 0, result.Traffic.TotalRequests)
}

func TestCollectHealth_WithMiniredis(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	ctx := context.Background()
	db := pingFunc(func() error { return nil })

	result := CollectHealth(ctx, rdb, db, nil)
	assert.Equal(t, "ok", result.Status)
	assert.Equal(t, "connected", result.Dependencies["redis"].Status)
	assert.Equal(t, "connected", result.Dependencies["database"].Status)
	assert.Equal(t, "100", result.Traffic.SuccessRate)

	require.NoError(t, rdb.Set(ctx, "health:global:req_total", "10", 0).Err())
	require.NoError(t, rdb.Set(ctx, "health:global:req_errors", "2", 0).Err())
	require.NoError(t, rdb.Set(ctx, "health:global:res_time_total", "150.5", 0).Err())
	require.NoError(t, rdb.Set(ctx, "health:global:res_count", "10", 0).Err())
	require.NoError(t, rdb.Set(ctx, "health:global:start_time", "1000000", 0).Err())

	result = CollectHealth(ctx, rdb, db, nil)
	assert.Equal(t, 10, result.Traffic.TotalRequests)
	assert.Equal(t, 2, result.Traffic.FailedCount)
	assert.Equal(t, 8, result.Traffic.SuccessCount)
	assert.Equal(t, "80.0", result.Traffic.SuccessRate)
	assert.Equal(t, "15.05", result.Traffic.AvgResponseTime)
}

func TestCollectHealth_LedgerDown(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	down := ledgerPing(func(context.Context) error { return errors.New("gateway unavailable") })
	result := CollectHealth(context.Background(), rdb, pingFunc(func() error { return nil }), down)
	assert.Equal(t, "unreachable", result.Dependencies["ledger"].Status)
	assert.Equal(t, "issue", result.Status)

	up := ledgerPing(func(context.Context) error { return nil })
	result = CollectHealth(context.Background(), rdb, pingFunc(func() error { return nil }), up)
	assert.Equal(t, "reachable", result.Dependencies["ledger"].Status)
	assert.Equal(t, "ok", result.Status)
}

func TestRenderDashboardHTML(t *testing.T) {
	page := RenderDashboardHTML(CollectHealth(context.Background(), nil, nil, nil))
	assert.Contains(t, page, ServiceName+" · API Status")
	assert.Contains(t, page, "System Issues Detected")
	assert.Contains(t, page, "/health/json")
	assert.Contains(t, page, "/health/errors")
	assert.Contains(t, page, `id="dep-ledger"`)
}
