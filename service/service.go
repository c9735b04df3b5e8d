// Package service sits between the CLI (cmd) and the library packages
// (freeze, restore, stagegc, container, ...), the way the teacher's
// service.Service sat between main.go and (pkg, build, builddb). It owns
// the long-lived resources — logger, run-history database, privilege
// policy — and a stored cleanup hook, so the CLI layer stays a thin
// flag-parsing shell.
package service

import (
	"fmt"
	"sync"

	"coldstow/archivedb"
	"coldstow/cachedir"
	"coldstow/config"
	"coldstow/execx"
	"coldstow/log"
	"coldstow/privilege"
)

// Service coordinates coldstow's freeze/check/unfreeze/gc operations and
// the resources they share.
type Service struct {
	cfg    *config.Config
	logger log.LibraryLogger
	ex     execx.Executor
	priv   *privilege.Policy
	db     *archivedb.DB

	activeCleanup func()
	cleanupMu     sync.Mutex
}

// New builds a Service from cfg: a StdoutLogger, the real OS executor, a
// privilege policy resolved from cfg.EscalationTool, and an archivedb
// opened under the cache root (or cfg.CacheRoot if set).
func New(cfg *config.Config) (*Service, error) {
	logger := log.StdoutLogger{}

	root := cfg.CacheRoot
	if root == "" {
		var err error
		root, err = cachedir.Root()
		if err != nil {
			return nil, fmt.Errorf("service: resolving cache root: %w", err)
		}
	}

	db, err := archivedb.Open(historyDBPath(root))
	if err != nil {
		return nil, fmt.Errorf("service: opening run history: %w", err)
	}

	priv := privilege.NewPolicy(cfg.EscalationTool, func(format string, args ...any) {
		logger.Warn(format, args...)
	})

	return &Service{
		cfg:    cfg,
		logger: logger,
		ex:     execx.NewOSExecutor(),
		priv:   priv,
		db:     db,
	}, nil
}

func historyDBPath(cacheRoot string) string {
	return cacheRoot + "/history.db"
}

// Close releases the service's run-history database.
func (s *Service) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Config returns the service's configuration.
func (s *Service) Config() *config.Config { return s.cfg }

// Logger returns the service's logger.
func (s *Service) Logger() log.LibraryLogger { return s.logger }

// Database returns the service's run-history store.
func (s *Service) Database() *archivedb.DB { return s.db }

// SetActiveCleanup stores the cleanup function for the in-flight
// operation. Freeze/Check/Unfreeze/GC do not set it, and the CLI's
// interrupt handling cancels the operation's context rather than calling
// it.
func (s *Service) SetActiveCleanup(cleanup func()) {
	s.cleanupMu.Lock()
	s.activeCleanup = cleanup
	s.cleanupMu.Unlock()
}

// GetActiveCleanup returns the stored cleanup function, or nil if none is
// stored.
func (s *Service) GetActiveCleanup() func() {
	s.cleanupMu.Lock()
	defer s.cleanupMu.Unlock()
	return s.activeCleanup
}

// ClearActiveCleanup removes the stored cleanup function once an
// operation completes.
func (s *Service) ClearActiveCleanup() {
	s.cleanupMu.Lock()
	s.activeCleanup = nil
	s.cleanupMu.Unlock()
}
