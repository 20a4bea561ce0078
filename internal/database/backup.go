package database

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"schoolsync/internal/config"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

const backupPrefix = "queue_"

type BackupService struct {
	db       *DB
	config   config.BackupConfig
	logger   *zerolog.Logger
	schedule cron.Schedule
}

// everySchedule adapts a plain interval to cron.Schedule.
type everySchedule struct {
	interval time.Duration
}

func (e everySchedule) Next(t time.Time) time.Time {
	return t.Add(e.interval)
}

func NewBackupService(db *DB, cfg config.BackupConfig, logger *zerolog.Logger) *BackupService {
	return &BackupService{
		db:       db,
		config:   cfg,
		logger:   logger,
		schedule: parseSchedule(cfg.Schedule, logger),
	}
}

// parseSchedule accepts a Go duration ("6h") or a cron expression
// ("0 3 * * *", "@daily"). Anything else falls back to 24h.
func parseSchedule(spec string, logger *zerolog.Logger) cron.Schedule {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return everySchedule{interval: 24 * time.Hour}
	}
	if d, err := time.ParseDuration(spec); err == nil && d > 0 {
		return everySchedule{interval: d}
	}
	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	sched, err := parser.Parse(spec)
	if err != nil {
		logger.Warn().Err(err).Str("schedule", spec).Msg("Failed to parse backup schedule, using default 24h")
		return everySchedule{interval: 24 * time.Hour}
	}
	return sched
}

func (s *BackupService) Start(ctx context.Context) {
	if !s.config.Enabled {
		s.logger.Info().Msg("Backup service is disabled")
		return
	}

	s.logger.Info().Str("schedule", s.config.Schedule).Msg("Backup service started")

	// Run first backup immediately
	if _, err := s.PerformBackup(ctx); err != nil {
		s.logger.Error().Err(err).Msg("Initial backup failed")
	}

	for {
		wait := time.Until(s.schedule.Next(time.Now()))
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			if _, err := s.PerformBackup(ctx); err != nil {
				s.logger.Error().Err(err).Msg("Scheduled backup failed")
			}
			s.CleanupOldBackups()
		}
	}
}

// PerformBackup writes a consistent snapshot of the queue database and
// returns its path.
func (s *BackupService) PerformBackup(ctx context.Context) (string, error) {
	if err := os.MkdirAll(s.config.StoragePath, 0o755); err != nil {
		return "", fmt.Errorf("failed to create backup directory: %w", err)
	}

	timestamp := time.Now().Format("20060102_150405.000000")
	backupPath := filepath.Join(s.config.StoragePath, fmt.Sprintf("%s%s.db", backupPrefix, timestamp))

	s.logger.Info().Str("path", backupPath).Msg("Performing database backup using VACUUM INTO")

	if _, err := s.db.ExecContext(ctx, `VACUUM INTO ?`, backupPath); err != nil {
		return "", fmt.Errorf("vacuum into %s: %w", backupPath, err)
	}

	s.logger.Info().Msg("Backup completed successfully")
	return backupPath, nil
}

func (s *BackupService) CleanupOldBackups() {
	if s.config.RetentionDays <= 0 {
		return
	}

	files, err := os.ReadDir(s.config.StoragePath)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to read backup directory for cleanup")
		return
	}

	cutoff := time.Now().AddDate(0, 0, -s.config.RetentionDays)

	for _, file := range files {
		if file.IsDir() || !strings.HasPrefix(file.Name(), backupPrefix) {
			continue
		}

		info, err := file.Info()
		if err != nil {
			continue
		}

		if info.ModTime().Before(cutoff) {
			s.logger.Info().Str("file", file.Name()).Msg("Deleting old backup")
			if err := os.Remove(filepath.Join(s.config.StoragePath, file.Name())); err != nil {
				s.logger.Warn().Err(err).Str("file", file.Name()).Msg("Failed to delete old backup")
			}
		}
	}
}
