package reconcile

import (
	"context"
	"fmt"

	appLog "studiosync/internal/log"
	"studiosync/internal/model"
)

// DeleteFeed removes a feed with its events and rules. It holds the feed's
// sync lock while doing so and returns syncerr.ErrSyncInProgress when a
// sync of the feed is running.
func (e *Engine) DeleteFeed(ctx context.Context, feedID string) error {
	unlock, err := e.deps.Locker.TryLock(ctx, feedID)
	if err != nil {
		return err
	}
	defer unlock()

	if err := e.deps.Store.DeleteFeed(ctx, feedID); err != nil {
		return err
	}
	appLog.Info("feed deleted", "feed_id", feedID)
	return nil
}

// Disconnect drops a user's provider credentials and every feed that
// depends on them. The sync locks of all those feeds are held for the
// duration; if any of them is syncing nothing is removed.
func (e *Engine) Disconnect(ctx context.Context, userID string, provider model.Provider) (int, error) {
	feeds, err := e.deps.Store.ListUserFeeds(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("list user feeds: %w", err)
	}

	var unlocks []func()
	defer func() {
		for _, unlock := range unlocks {
			unlock()
		}
	}()
	for _, f := range feeds {
		if f.Provider != provider {
			continue
		}
		unlock, err := e.deps.Locker.TryLock(ctx, f.ID)
		if err != nil {
			return 0, err
		}
		unlocks = append(unlocks, unlock)
	}

	n, err := e.deps.Store.DisconnectProvider(ctx, userID, provider)
	if err != nil {
		return 0, err
	}
	appLog.Info("provider disconnected", "user_id", userID, "provider", provider, "feeds_removed", n)
	return n, nil
}
