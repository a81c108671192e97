package dreamapi

import (
	"context"
	"fmt"
	"time"
)

// PollStatus queries the dream's status on a fixed interval until the service
// reports a terminal state. onUpdate (optional) receives every observed
// status, intermediate ones included.
//
// Terminal outcomes: "done" returns the final status; "failed" returns
// ErrService. Transient per-poll failures are tolerated up to the configured
// consecutive-failure bound; past it PollStatus returns ErrNetwork, which
// means "status unknown, retry later": the dream may still be processing
// server-side. Cancelling ctx stops the timer and returns ctx.Err().
func (c *Client) PollStatus(ctx context.Context, dreamID int64, onUpdate func(DreamStatus)) (DreamStatus, error) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	fails := 0
	for {
		select {
		case <-ctx.Done():
			return DreamStatus{}, ctx.Err()
		case <-ticker.C:
		}

		ds, err := c.DreamStatus(ctx, dreamID)
		if err != nil {
			fails++
			c.logger.Debug("status poll failed", "dream_id", dreamID, "consecutive_fails", fails, "error", err)
			if fails >= c.pollMaxFails {
				return DreamStatus{}, fmt.Errorf("%w: lost contact after %d consecutive poll failures for dream %d", ErrNetwork, fails, dreamID)
			}
			continue
		}
		fails = 0

		if onUpdate != nil {
			onUpdate(ds)
		}

		switch ds.Status {
		case StatusDone:
			return ds, nil
		case StatusFailed:
			return DreamStatus{}, fmt.Errorf("%w: processing failed for dream %d", ErrService, dreamID)
		}
	}
}
