package lock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedis_AcquireAndRelease(t *testing.T) {
	client, mock := redismock.NewClientMock()
	ctx := context.Background()
	key := MonthKey("2025-01")

	l := NewRedis(client, time.Minute).WithToken(func() string { return "token-1" })

	mock.ExpectSetNX(key, "token-1", time.Minute).SetVal(true)
	mock.ExpectEval(releaseScript, []string{key}, "token-1").SetVal(int64(1))

	release, err := l.Acquire(ctx, key)
	require.NoError(t, err)
	require.NoError(t, release(ctx))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedis_Held(t *testing.T) {
	client, mock := redismock.NewClientMock()
	key := MonthKey("2025-01")

	l := NewRedis(client, time.Minute).WithToken(func() string { return "token-2" })
	mock.ExpectSetNX(key, "token-2", time.Minute).SetVal(false)

	_, err := l.Acquire(context.Background(), key)
	assert.ErrorIs(t, err, ErrNotAcquired)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedis_ConnectionError(t *testing.T) {
	client, mock := redismock.NewClientMock()
	key := MonthKey("2025-01")

	l := NewRedis(client, time.Minute).WithToken(func() string { return "token-3" })
	mock.ExpectSetNX(key, "token-3", time.Minute).SetErr(errors.New("connection refused"))

	_, err := l.Acquire(context.Background(), key)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotAcquired)
}
