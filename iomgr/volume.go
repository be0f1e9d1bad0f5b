package iomgr

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"runner/client"
	"runner/model"
)

// CommitVolumes persists uncommitted volume changes on behalf of the user.
// Only called on container exit. Failures are logged per volume; the exit
// proceeds regardless.
func (m *Manager) CommitVolumes(ctx context.Context, volumeIDs []string) {
	if len(volumeIDs) == 0 {
		return
	}

	opts := client.RetryOptions{
		MaxRetries:  9,
		BaseDelay:   250 * time.Millisecond,
		MaxDelay:    256 * time.Second,
		DelayFactor: 2,
	}

	g := new(errgroup.Group)
	for _, volumeID := range volumeIDs {
		g.Go(func() error {
			err := client.Retry(ctx, opts, func(ctx context.Context) error {
				return m.cp().VolumeCommit(ctx, model.VolumeCommitRequest{VolumeID: volumeID})
			})
			if err != nil {
				m.log.Error().Err(err).Str("volume_id", volumeID).Msg("volume background commit failed")
			} else {
				m.log.Debug().Str("volume_id", volumeID).Msg("volume background commit success")
			}
			return nil
		})
	}
	_ = g.Wait()
}
