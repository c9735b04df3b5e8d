package service

import (
	"time"

	"coldstow/cachedir"
	"coldstow/stagegc"
)

// GC runs the standalone staging-directory collector (spec.md §2's
// "standalone utility") against the service's configured cache root.
func (s *Service) GC() (*stagegc.Report, error) {
	root := s.cfg.CacheRoot
	if root == "" {
		var err error
		root, err = cachedir.Root()
		if err != nil {
			return nil, err
		}
	}

	opts := stagegc.DefaultOptions()
	if s.cfg.StagingGCThresholdHours > 0 {
		opts.AgeThreshold = time.Duration(s.cfg.StagingGCThresholdHours) * time.Hour
	}

	return stagegc.GC(root, opts, s.logger)
}
