package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/octopus-project/octopus/internal/alerts"
	"github.com/octopus-project/octopus/internal/archive"
	"github.com/octopus-project/octopus/internal/config"
	"github.com/octopus-project/octopus/internal/models"
	"github.com/octopus-project/octopus/internal/notifications"
	"github.com/octopus-project/octopus/internal/prices"
	"github.com/octopus-project/octopus/internal/processing"
	"github.com/octopus-project/octopus/internal/storage"
	"github.com/octopus-project/octopus/internal/trends"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// Service handles scheduling of background tasks
type Service struct {
	config    *config.Config
	store     storage.Store
	processor *processing.Processor
	trends    *trends.Aggregator
	evaluator *alerts.Evaluator
	prices    *prices.Service
	notifier  notifications.NotificationInterface
	archiver  archive.Archiver
	cron      *cron.Cron
}

// NewService creates a new scheduler service. The prices service,
// notifier, and archiver are optional and skipped when nil.
func NewService(cfg *config.Config, store storage.Store, processor *processing.Processor,
	aggregator *trends.Aggregator, evaluator *alerts.Evaluator, priceService *prices.Service,
	notifier notifications.NotificationInterface, archiver archive.Archiver) *Service {
	return &Service{
		config:    cfg,
		store:     store,
		processor: processor,
		trends:    aggregator,
		evaluator: evaluator,
		prices:    priceService,
		notifier:  notifier,
		archiver:  archiver,
		cron:      cron.New(cron.WithSeconds()),
	}
}

// Start begins the scheduled tasks
func (s *Service) Start() error {
	var reportExpression string

	switch s.config.ReportSchedule {
	case "weekly":
		// Run weekly on Monday at 9 AM UTC
		reportExpression = "0 0 9 * * MON"
	default:
		// Run daily at 9 AM UTC
		reportExpression = "0 0 9 * * *"
	}

	_, err := s.cron.AddFunc(reportExpression, func() {
		logrus.Info("Starting scheduled report run")
		if err := s.RunReport(context.Background()); err != nil {
			logrus.Errorf("Scheduled report run failed: %v", err)
		}
	})
	if err != nil {
		return err
	}

	// Sweep unprocessed messages every 5 minutes
	_, err = s.cron.AddFunc("0 */5 * * * *", func() {
		summary, err := s.processor.ProcessUnprocessed(context.Background(), "", s.config.SweepLimit)
		if err != nil {
			logrus.Errorf("Scheduled sweep failed: %v", err)
			return
		}
		if summary.Processed+summary.Failed > 0 {
			logrus.Infof("Sweep processed %d messages (%d failed, %d skipped)",
				summary.Processed, summary.Failed, summary.Skipped)
		}
	})
	if err != nil {
		return err
	}

	// Evaluate all alert rules every 2 minutes
	_, err = s.cron.AddFunc("0 */2 * * * *", func() {
		outcomes, err := s.evaluator.Check(context.Background(), nil)
		if err != nil {
			logrus.Errorf("Scheduled alert check failed: %v", err)
			return
		}
		for _, outcome := range outcomes {
			if outcome.Status == alerts.OutcomeFired {
				logrus.Infof("Alert rule %d fired", outcome.RuleID)
			}
		}
	})
	if err != nil {
		return err
	}

	// Refresh price points every 10 minutes when a feed is configured
	if s.prices != nil {
		_, err = s.cron.AddFunc("0 */10 * * * *", func() {
			count, err := s.prices.Refresh(context.Background())
			if err != nil {
				logrus.Errorf("Scheduled price refresh failed: %v", err)
				return
			}
			logrus.Debugf("Refreshed %d price points", count)
		})
		if err != nil {
			return err
		}
	}

	s.cron.Start()
	logrus.Infof("Scheduler started with %s report schedule", s.config.ReportSchedule)
	return nil
}

// reportRetention is how long archived report snapshots are kept before the
// post-run prune removes them.
const reportRetention = 90 * 24 * time.Hour

// RunReport builds the periodic report, delivers it, and archives a snapshot.
func (s *Service) RunReport(ctx context.Context) error {
	report, err := s.BuildReport(ctx, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to build report: %w", err)
	}

	if s.notifier != nil {
		if err := s.notifier.SendReport(report); err != nil {
			logrus.Errorf("Report delivery failed: %v", err)
		}
	}

	if s.archiver != nil {
		payload, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to encode report: %w", err)
		}
		name := fmt.Sprintf("report-%s-%s.json", report.Period, report.GeneratedAt.Format("2006-01-02"))
		if err := s.archiver.Store(name, payload); err != nil {
			logrus.Errorf("Report archival failed: %v", err)
		}
		s.pruneReports(report.GeneratedAt)
	}

	return nil
}

// pruneReports deletes archived snapshots older than the retention window.
// Snapshot names embed their date, so no blob metadata is needed.
func (s *Service) pruneReports(now time.Time) {
	names, err := s.archiver.List("report-")
	if err != nil {
		logrus.Errorf("Report prune listing failed: %v", err)
		return
	}

	cutoff := now.Add(-reportRetention)
	for _, name := range names {
		date, ok := reportDate(name)
		if !ok {
			continue
		}
		if date.Before(cutoff) {
			if err := s.archiver.Delete(name); err != nil {
				logrus.Errorf("Failed to prune report %s: %v", name, err)
				continue
			}
			logrus.Debugf("Pruned archived report %s", name)
		}
	}
}

// reportDate extracts the date from a snapshot name of the form
// report-<period>-<yyyy-mm-dd>.json.
func reportDate(name string) (time.Time, bool) {
	trimmed := strings.TrimSuffix(name, ".json")
	if trimmed == name || len(trimmed) < len("2006-01-02") {
		return time.Time{}, false
	}
	date, err := time.Parse("2006-01-02", trimmed[len(trimmed)-len("2006-01-02"):])
	if err != nil {
		return time.Time{}, false
	}
	return date, true
}

// BuildReport assembles activity counts, the trending ranking, and
// recent alert events for the configured report period.
func (s *Service) BuildReport(ctx context.Context, now time.Time) (*models.Report, error) {
	period := 24 * time.Hour
	if s.config.ReportSchedule == "weekly" {
		period = 7 * 24 * time.Hour
	}
	since := now.Add(-period)

	totalMessages, err := s.store.CountMessagesSince(ctx, since)
	if err != nil {
		return nil, err
	}

	totalMentions, err := s.store.CountMentionsSince(ctx, since)
	if err != nil {
		return nil, err
	}

	trending, err := s.trends.Trending(ctx, models.PlatformAll, s.config.TrendingLimit, now, s.config.BucketWidth)
	if err != nil {
		return nil, err
	}

	events, err := s.store.ListAlertEventsSince(ctx, since)
	if err != nil {
		return nil, err
	}

	report := &models.Report{
		GeneratedAt:   now,
		Period:        s.config.ReportSchedule,
		TotalMessages: totalMessages,
		TotalMentions: totalMentions,
		Trending:      trending,
		AlertEvents:   events,
		Summary: map[string]interface{}{
			"window_start": since,
			"window_end":   now,
			"alert_count":  len(events),
		},
	}

	return report, nil
}

// Stop stops the scheduler
func (s *Service) Stop() {
	if s.cron != nil {
		s.cron.Stop()
		logrus.Info("Scheduler stopped")
	}
}
