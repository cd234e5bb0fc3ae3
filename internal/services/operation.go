package services

import (
	"context"
	"fmt"
	"time"

	"msgbak-go/internal/config"
	"msgbak-go/internal/database"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

// ProgressFunc receives advisory progress text.
type ProgressFunc func(message string)

// runOperation executes fn with a per-operation id, latency logging and
// panic recovery. A panic is returned as ErrOperationPanicked.
func runOperation(ctx context.Context, log *zap.Logger, name string, fn func(ctx context.Context, log *zap.Logger) error) (err error) {
	start := time.Now()
	opLog := log.With(
		zap.String("operation", name),
		zap.String("operation_id", uuid.New().String()),
	)

	defer func() {
		if r := recover(); r != nil {
			opLog.Error("Panic recovered", zap.Any("error", r))
			err = fmt.Errorf("%w: %s: %v", ErrOperationPanicked, name, r)
		}

		if err != nil {
			opLog.Warn("Operation failed", zap.Duration("latency", time.Since(start)), zap.Error(err))
			return
		}
		opLog.Info("Operation completed", zap.Duration("latency", time.Since(start)))
	}()

	return fn(ctx, opLog)
}

// transaction runs fn in one database transaction. Starting the transaction
// is retried while SQLite reports the database as locked.
func transaction(ctx context.Context, db *gorm.DB, cfg *config.Config, fn func(tx *gorm.DB) error) error {
	return database.RetryWithBackoff(ctx, cfg.Database.LockRetries, cfg.Database.LockRetryDelay, func() error {
		return db.WithContext(ctx).Transaction(fn)
	})
}

// progressReporter throttles progress text to one message per interval.
type progressReporter struct {
	fn      ProgressFunc
	limiter *rate.Limiter
}

func newProgressReporter(fn ProgressFunc, interval time.Duration) *progressReporter {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	return &progressReporter{fn: fn, limiter: rate.NewLimiter(rate.Every(interval), 1)}
}

// Maybe reports the message built by msg if the interval has elapsed.
func (p *progressReporter) Maybe(msg func() string) {
	if p == nil || p.fn == nil {
		return
	}
	if p.limiter.Allow() {
		p.fn(msg())
	}
}

// Always reports msg unconditionally.
func (p *progressReporter) Always(msg string) {
	if p == nil || p.fn == nil {
		return
	}
	p.fn(msg)
}
