package escrow

import (
	"context"
	"errors"
	"time"

	"milestone-escrow/internal/domain"
	"milestone-escrow/internal/pkg/metrics"

	"github.com/rs/zerolog/log"
)

// Reconciler periodically resumes releases left in Releasing after a crash or timeout.
type Reconciler struct {
	Service  *Service
	Interval time.Duration
}

// Run blocks until ctx is done.
func (r *Reconciler) Run(ctx context.Context) {
	interval := r.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Msg("release reconciliation failed")
			}
		}
	}
}

// Sweep resumes every milestone in Releasing once and reports how many reached a final state.
func (r *Reconciler) Sweep(ctx context.Context) (int, error) {
	var stuck []domain.Milestone
	if err := r.Service.DB.WithContext(ctx).
		Where("status = ?", domain.MilestoneReleasing).
		Order(`"updatedAt" ASC`).
		Find(&stuck).Error; err != nil {
		return 0, err
	}
	metrics.PendingReleases.Set(float64(len(stuck)))

	settled := 0
	for _, m := range stuck {
		if ctx.Err() != nil {
			return settled, ctx.Err()
		}
		_, err := r.Service.ResumeRelease(ctx, m.ProjectID, m.Index)
		switch {
		case err == nil:
			settled++
		case errors.Is(err, domain.ErrTransferFailed):
			settled++
			log.Warn().Err(err).Str("project_id", m.ProjectID.String()).Int("milestone", m.Index).Msg("pending release failed, milestone back to accepted")
		case errors.Is(err, domain.ErrReleasePending):
			log.Debug().Str("project_id", m.ProjectID.String()).Int("milestone", m.Index).Msg("release still pending")
		default:
			log.Error().Err(err).Str("project_id", m.ProjectID.String()).Int("milestone", m.Index).Msg("resume release")
		}
	}
	return settled, nil
}
