package worker

import (
	"fmt"
	"strings"
	"sync"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// SaveScheduler runs the periodic session save on a cron schedule
type SaveScheduler struct {
	mu     sync.Mutex
	cron   *cron.Cron
	entry  cron.EntryID
	spec   string
	save   func()
	logger zerolog.Logger
}

// NewSaveScheduler creates a stopped scheduler. An empty spec disables periodic saves.
func NewSaveScheduler(spec string, save func(), logger zerolog.Logger) (*SaveScheduler, error) {
	s := &SaveScheduler{
		cron:   cron.New(),
		save:   save,
		logger: logger,
	}
	if err := s.Reschedule(spec); err != nil {
		return nil, err
	}
	return s, nil
}

// ParseSchedule checks spec with the same parser the scheduler uses
func ParseSchedule(spec string) error {
	if strings.TrimSpace(spec) == "" {
		return nil
	}
	if _, err := cron.ParseStandard(spec); err != nil {
		return fmt.Errorf("invalid save schedule %q: %w", spec, err)
	}
	return nil
}

// Start begins running scheduled saves
func (s *SaveScheduler) Start() {
	s.cron.Start()
}

// Stop halts the scheduler and waits for a running save to finish
func (s *SaveScheduler) Stop() {
	<-s.cron.Stop().Done()
}

// Spec returns the active schedule
func (s *SaveScheduler) Spec() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.spec
}

// Reschedule replaces the save schedule. An invalid spec leaves the current
// one in place.
func (s *SaveScheduler) Reschedule(spec string) error {
	spec = strings.TrimSpace(spec)
	if err := ParseSchedule(spec); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if spec == s.spec && (s.entry != 0 || spec == "") {
		return nil
	}

	if s.entry != 0 {
		s.cron.Remove(s.entry)
		s.entry = 0
	}
	s.spec = spec
	if spec == "" {
		s.logger.Info().Msg("Periodic session save disabled")
		return nil
	}

	id, err := s.cron.AddFunc(spec, s.save)
	if err != nil {
		return fmt.Errorf("invalid save schedule %q: %w", spec, err)
	}
	s.entry = id
	s.logger.Info().Str("schedule", spec).Msg("Periodic session save scheduled")
	return nil
}
