package service

import (
	"context"
	"time"

	"github.com/google/uuid"

	"coldstow/archivedb"
	"coldstow/freeze"
)

// Freeze runs one freeze operation and records it in the run-history
// store regardless of outcome, the way the teacher's Build always wrote
// a BuildRecord before returning.
func (s *Service) Freeze(ctx context.Context, targets []string, output string, opts freeze.Options) (*freeze.Result, error) {
	runID := uuid.New().String()
	start := time.Now()
	s.db.SaveRun(&archivedb.Run{
		UUID:      runID,
		Operation: archivedb.OpFreeze,
		ImagePath: output,
		Outcome:   archivedb.OutcomeRunning,
		StartTime: start,
	})

	pipeline, err := freeze.NewPipeline(s.ex, s.logger, s.priv)
	if err != nil {
		s.db.FinishRun(runID, archivedb.OutcomeFailed, time.Now(), 0, err)
		return nil, err
	}
	if s.cfg.CacheRoot != "" {
		pipeline.CacheDir = s.cfg.CacheRoot
	}
	if opts.CompressionLevel == 0 {
		opts.CompressionLevel = s.cfg.CompressionLevel
	}

	res, runErr := pipeline.Run(ctx, targets, output, opts)

	entryCount := 0
	outcome := archivedb.OutcomeSuccess
	if res != nil {
		entryCount = res.EntryCount
	}
	if runErr != nil {
		outcome = archivedb.OutcomeFailed
	} else if err := s.db.InvalidateImage(output); err != nil {
		// A successful freeze may have overwritten a previous archive at
		// the same path; drop any verification memos left over from it.
		s.logger.Warn("freeze: failed to invalidate stale verification cache for %s: %v", output, err)
	}
	if err := s.db.FinishRun(runID, outcome, time.Now(), entryCount, runErr); err != nil {
		s.logger.Warn("freeze: failed to record run history: %v", err)
	}

	return res, runErr
}
