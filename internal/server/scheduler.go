package server

import (
	"context"
	"fmt"
	"time"

	"github.com/adhocore/gronx"

	"github.com/Tyrowin/roomchat/internal/logger"
)

// RunCleanupSchedule triggers a cleanup pass in every running room at each
// tick of the cron expression until ctx is done.
func RunCleanupSchedule(ctx context.Context, cronExpr string, rooms *Rooms) error {
	if !gronx.IsValid(cronExpr) {
		return fmt.Errorf("invalid cleanup cron expression: %q", cronExpr)
	}
	logger.Info("cleanup_scheduled", "cron", cronExpr)

	for {
		next, err := gronx.NextTickAfter(cronExpr, time.Now(), false)
		if err != nil {
			return fmt.Errorf("compute next cleanup tick: %w", err)
		}
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}

		runCtx, cancel := context.WithTimeout(ctx, time.Minute)
		rooms.CleanupAll(runCtx)
		cancel()
	}
}
