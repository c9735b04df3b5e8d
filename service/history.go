package service

import "coldstow/archivedb"

// History returns the most recent freeze/check/unfreeze runs, newest
// first, capped at limit (0 means unlimited). Not wired to a CLI verb
// (the process surface stays the three verbs of spec.md §6) but exposed
// for future use the way the teacher kept build-history queries available
// to callers beyond the CLI.
func (s *Service) History(limit int) ([]archivedb.Run, error) {
	return s.db.History(limit)
}
