package projection

import (
	"context"
	"fmt"
	"time"

	"github.com/rexbrahh/plfm-vt-sub000/internal/apierr"
	"github.com/rexbrahh/plfm-vt-sub000/internal/platmetrics"
)

const pollInterval = 25 * time.Millisecond

// WaitFor blocks until every named projection's checkpoint has reached
// eventID, or timeout expires. On expiry it returns apierr.KindProjectionTimeout;
// the event is already durably appended regardless (spec.md §4.3).
func (e *Engine) WaitFor(ctx context.Context, eventID int64, projections []string, timeout time.Duration) error {
	timer := platmetrics.NewTimer()
	defer timer.ObserveDuration(platmetrics.RYWWaitDuration)

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		allCaughtUp := true
		for _, name := range projections {
			cp, err := e.Checkpoint(ctx, name)
			if err != nil {
				return fmt.Errorf("check projection %s during RYW wait: %w", name, err)
			}
			if cp < eventID {
				allCaughtUp = false
				break
			}
		}
		if allCaughtUp {
			return nil
		}
		if time.Now().After(deadline) {
			platmetrics.RYWTimeoutsTotal.Inc()
			return apierr.ProjectionTimeout(firstOrAll(projections), fmt.Sprintf("event_id %d", eventID))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func firstOrAll(names []string) string {
	if len(names) == 1 {
		return names[0]
	}
	return fmt.Sprintf("%d projections", len(names))
}
