package bucket

import (
	"context"
	"fmt"
	"time"

	"github.com/lockbox/lockbox/internal/metrics"
)

// SweepResult summarises one orphan sweep.
type SweepResult struct {
	SessionsReaped   int
	ChunkSetsDeleted int
}

// SweepOrphans aborts in-process sessions idle for longer than ttl, then
// deletes chunk sets whose newest chunk is older than ttl and that have no
// committed metadata.
func (s *Service) SweepOrphans(ctx context.Context, ttl time.Duration) (SweepResult, error) {
	var res SweepResult
	if err := s.check(); err != nil {
		return res, err
	}
	now := s.now()

	for _, sess := range s.activeSessions() {
		if sess.reapIfIdle(now, ttl) {
			res.SessionsReaped++
			s.logger.Info("Reaped idle upload session", "object", sess.id, "idle_since", sess.idleSince())
		}
	}

	ids, err := s.chunks.ChunkSets(ctx, now.Add(-ttl))
	if err != nil {
		return res, translate(fmt.Errorf("listing chunk sets: %w", err))
	}
	for _, id := range ids {
		if s.hasSession(id) {
			continue
		}
		meta, err := s.registry.Stat(ctx, id)
		if err != nil {
			return res, translate(fmt.Errorf("checking %s: %w", id, err))
		}
		if meta != nil {
			continue
		}
		if err := s.chunks.DeleteChunks(ctx, id); err != nil {
			return res, translate(fmt.Errorf("deleting orphan %s: %w", id, err))
		}
		res.ChunkSetsDeleted++
		metrics.OrphansReapedTotal.Inc()
		s.logger.Info("Deleted orphaned chunks", "object", id)
	}
	return res, nil
}

// HandleSource yields the currently published Service.
type HandleSource interface {
	Handle(ctx context.Context) (*Service, error)
}

// Handle returns s itself, so a Service built outside the guard can be used
// as a HandleSource by one-shot tools.
func (s *Service) Handle(context.Context) (*Service, error) {
	return s, nil
}

// RunSweeper runs SweepOrphans every interval against whatever Service the
// source publishes at that moment. It returns when ctx is done.
func RunSweeper(ctx context.Context, source HandleSource, interval, ttl time.Duration) error {
	if interval <= 0 {
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		svc, err := source.Handle(ctx)
		if err != nil {
			continue
		}
		res, err := svc.SweepOrphans(ctx, ttl)
		if err != nil {
			svc.logger.Warn("Orphan sweep failed", "error", err)
			continue
		}
		if res.SessionsReaped > 0 || res.ChunkSetsDeleted > 0 {
			svc.logger.Info("Orphan sweep complete",
				"sessions_reaped", res.SessionsReaped,
				"chunk_sets_deleted", res.ChunkSetsDeleted,
			)
		}
	}
}
