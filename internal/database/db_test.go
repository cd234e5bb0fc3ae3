package database

import (
	"context"
	"errors"
	"testing"
	"time"

	"msgbak-go/internal/config"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestOpenMigratesIdempotently(t *testing.T) {
	cfg, err := config.ForProject(t.TempDir())
	require.NoError(t, err)

	db, err := Open(cfg, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, Close(db))

	// A second open over the same file re-runs every migration step.
	db, err = Open(cfg, zap.NewNop())
	require.NoError(t, err)
	defer Close(db)

	for _, table := range []string{"sources", "messages", "sms", "mms", "mms_addrs", "mms_parts", "media_blobs", "conversations", "recipients", "conversation_recipients"} {
		require.True(t, db.Migrator().HasTable(table), table)
	}

	var mode string
	require.NoError(t, db.Raw("PRAGMA journal_mode").Row().Scan(&mode))
	require.Equal(t, "wal", mode)
}

func TestRetryWithBackoff(t *testing.T) {
	ctx := context.Background()

	calls := 0
	err := RetryWithBackoff(ctx, 3, time.Millisecond, func() error {
		calls++
		if calls < 3 {
			return errors.New("database is locked")
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)

	calls = 0
	boom := errors.New("boom")
	err = RetryWithBackoff(ctx, 3, time.Millisecond, func() error {
		calls++
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.Equal(t, 1, calls)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	err = RetryWithBackoff(cancelled, 3, time.Second, func() error {
		return errors.New("database is locked")
	})
	require.ErrorIs(t, err, context.Canceled)
}
