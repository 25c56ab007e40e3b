package observability

import (
	"context"
	"errors"
	"fmt"
	"syscall"

	"go.uber.org/zap"
)

// FlushTelemetry syncs the logger before process exit. Metrics are scraped, so there is
// nothing to push. Runs last in shutdown so the session-close logs make it out.
func FlushTelemetry(ctx context.Context, logger *zap.Logger) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("flush telemetry: %w", err)
	}
	if logger == nil {
		return nil
	}
	if err := logger.Sync(); err != nil && !isUnsyncable(err) {
		return fmt.Errorf("flush logs: %w", err)
	}
	return nil
}

// isUnsyncable reports errors returned when stdout/stderr is a terminal or pipe,
// where fsync is not supported and there is nothing left to flush.
func isUnsyncable(err error) bool {
	return errors.Is(err, syscall.EINVAL) || errors.Is(err, syscall.ENOTTY) || errors.Is(err, syscall.EBADF)
}
