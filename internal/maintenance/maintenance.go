// Package maintenance runs periodic database housekeeping: retention
// cleanup, optimization and backups.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"routerguard/internal/config"
)

// Store is the database surface maintenance needs
type Store interface {
	CleanOldData(retentionDays int) (int, error)
	OptimizeDatabase() error
	BackupDatabase(backupDir string) (string, error)
}

// Stats describes the last maintenance run
type Stats struct {
	Status         string    `json:"status"`
	LastRun        time.Time `json:"lastRun"`
	LastOptimize   time.Time `json:"lastOptimize"`
	LastBackup     time.Time `json:"lastBackup"`
	LastBackupPath string    `json:"lastBackupPath,omitempty"`
	RowsDeleted    int       `json:"rowsDeleted"`
	Error          string    `json:"error,omitempty"`
}

// Service schedules maintenance runs
type Service struct {
	config   *config.Config
	db       Store
	logger   zerolog.Logger
	lock     sync.Mutex
	stats    Stats
	ticker   *time.Ticker
	stopChan chan struct{}
	done     chan struct{}
	now      func() time.Time
}

// New creates a maintenance service
func New(cfg *config.Config, db Store) *Service {
	return &Service{
		config: cfg,
		db:     db,
		logger: log.With().Str("component", "maintenance").Logger(),
		stats:  Stats{Status: "idle"},
		now:    time.Now,
	}
}

// Start runs maintenance on the configured frequency
func (s *Service) Start() error {
	frequency, err := s.config.GetMaintenanceFrequency()
	if err != nil || frequency <= 0 {
		return fmt.Errorf("invalid maintenance frequency: %q", s.config.Maintenance.Frequency)
	}

	s.lock.Lock()
	defer s.lock.Unlock()
	if s.ticker != nil {
		return errors.New("maintenance scheduler already running")
	}

	s.logger.Info().Str("frequency", frequency.String()).Msg("Starting maintenance scheduler")
	s.ticker = time.NewTicker(frequency)
	s.stopChan = make(chan struct{})
	s.done = make(chan struct{})

	go func(ticker *time.Ticker, stop, done chan struct{}) {
		defer close(done)
		for {
			select {
			case <-ticker.C:
				s.logger.Info().Msg("Running scheduled maintenance")
				if _, err := s.RunOnce(context.Background()); err != nil {
					s.logger.Error().Err(err).Msg("Scheduled maintenance failed")
				}
			case <-stop:
				s.logger.Info().Msg("Maintenance scheduler stopped")
				return
			}
		}
	}(s.ticker, s.stopChan, s.done)

	return nil
}

// Stop stops the scheduler and waits for a running pass to finish
func (s *Service) Stop() {
	s.lock.Lock()
	if s.ticker == nil {
		s.lock.Unlock()
		return
	}
	s.ticker.Stop()
	close(s.stopChan)
	done := s.done
	s.ticker = nil
	s.lock.Unlock()

	<-done
}

// GetStatus returns the statistics of the last run
func (s *Service) GetStatus() Stats {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.stats
}

// RunOnce performs one maintenance pass. Optimization and backups only run
// when their own frequency has elapsed since they last ran.
func (s *Service) RunOnce(ctx context.Context) (Stats, error) {
	s.lock.Lock()
	if s.stats.Status == "running" {
		s.lock.Unlock()
		return Stats{}, errors.New("maintenance already running")
	}
	s.stats.Status = "running"
	stats := s.stats
	s.lock.Unlock()

	now := s.now()
	var errs []error
	stats.RowsDeleted = 0

	if s.config.Maintenance.CleanupOldData && s.config.Database.DataRetentionDays > 0 {
		deleted, err := s.db.CleanOldData(s.config.Database.DataRetentionDays)
		if err != nil {
			errs = append(errs, fmt.Errorf("cleanup: %w", err))
		} else {
			stats.RowsDeleted = deleted
			s.logger.Info().Int("deleted", deleted).Int("retentionDays", s.config.Database.DataRetentionDays).Msg("Old data cleaned")
		}
	}

	if ctx.Err() == nil && s.config.Maintenance.DatabaseOptimize && due(stats.LastOptimize, now, s.config.GetOptimizeFrequency) {
		if err := s.db.OptimizeDatabase(); err != nil {
			errs = append(errs, fmt.Errorf("optimize: %w", err))
		} else {
			stats.LastOptimize = now
		}
	}

	if ctx.Err() == nil && s.config.Maintenance.DatabaseBackup && s.config.Database.BackupDir != "" &&
		due(stats.LastBackup, now, s.config.GetBackupFrequency) {
		path, err := s.db.BackupDatabase(s.config.Database.BackupDir)
		if err != nil {
			errs = append(errs, fmt.Errorf("backup: %w", err))
		} else {
			stats.LastBackup = now
			stats.LastBackupPath = path
		}
	}

	err := errors.Join(errs...)
	if err == nil {
		err = ctx.Err()
	}
	stats.LastRun = now
	stats.Status = "completed"
	stats.Error = ""
	if err != nil {
		stats.Status = "failed"
		stats.Error = err.Error()
	}

	s.lock.Lock()
	s.stats = stats
	s.lock.Unlock()
	return stats, err
}

func due(last, now time.Time, frequency func() (time.Duration, error)) bool {
	if last.IsZero() {
		return true
	}
	d, err := frequency()
	if err != nil || d <= 0 {
		return false
	}
	return now.Sub(last) >= d
}
