package service

import (
	"context"
	"time"

	"github.com/google/uuid"

	"coldstow/archivedb"
	"coldstow/restore"
)

// Check runs one check operation, using the service's archivedb as the
// restore engine's verification cache so a repeat check on an unchanged
// tree skips re-reading unchanged file content.
func (s *Service) Check(ctx context.Context, image string, opts restore.CheckOptions) (*restore.CheckReport, error) {
	runID := uuid.New().String()
	start := time.Now()
	s.db.SaveRun(&archivedb.Run{
		UUID:      runID,
		Operation: archivedb.OpCheck,
		ImagePath: image,
		Outcome:   archivedb.OutcomeRunning,
		StartTime: start,
	})

	engine := restore.NewEngine(s.ex, s.logger, s.priv)
	engine.Cache = s.db

	report, err := engine.Check(ctx, image, opts)

	entryCount := 0
	outcome := archivedb.OutcomeSuccess
	if report != nil {
		entryCount = len(report.Results)
	}
	if err != nil {
		outcome = archivedb.OutcomeFailed
	}
	if ferr := s.db.FinishRun(runID, outcome, time.Now(), entryCount, err); ferr != nil {
		s.logger.Warn("check: failed to record run history: %v", ferr)
	}

	return report, err
}
