package service

import (
	"context"
	"time"

	"github.com/google/uuid"

	"coldstow/archivedb"
	"coldstow/restore"
)

// Unfreeze restores an archive's content to its recorded live paths,
// honoring opts.Conflict, and records the run like Freeze/Check do.
func (s *Service) Unfreeze(ctx context.Context, image string, opts restore.UnfreezeOptions) (*restore.UnfreezeResult, error) {
	runID := uuid.New().String()
	start := time.Now()
	s.db.SaveRun(&archivedb.Run{
		UUID:      runID,
		Operation: archivedb.OpUnfreeze,
		ImagePath: image,
		Outcome:   archivedb.OutcomeRunning,
		StartTime: start,
	})

	engine := restore.NewEngine(s.ex, s.logger, s.priv)
	res, err := engine.Unfreeze(ctx, image, opts)

	entryCount := 0
	outcome := archivedb.OutcomeSuccess
	if res != nil {
		entryCount = res.Restored + res.Skipped
	}
	if err != nil {
		outcome = archivedb.OutcomeFailed
	}
	if ferr := s.db.FinishRun(runID, outcome, time.Now(), entryCount, err); ferr != nil {
		s.logger.Warn("unfreeze: failed to record run history: %v", ferr)
	}

	return res, err
}
