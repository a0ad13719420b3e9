// Package ingest is the collector-facing boundary: it validates incoming
// messages and inserts them exactly once. The collectors themselves live
// outside this service; any process that can produce Message records in the
// closed platform set can feed it.
package ingest

import (
	"context"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/octopus-project/octopus/internal/models"
	"github.com/octopus-project/octopus/internal/storage"
)

// Summary reports an ingestion batch: accepted inserts, duplicates dropped
// by the (platform, platform message id) constraint, and rejected inputs.
type Summary struct {
	Accepted  int      `json:"accepted"`
	Duplicate int      `json:"duplicate"`
	Rejected  int      `json:"rejected"`
	Reasons   []string `json:"reasons,omitempty"`
}

// Service accepts collected messages into storage.
type Service struct {
	store storage.Store
}

// NewService creates an ingestion service.
func NewService(store storage.Store) *Service {
	return &Service{store: store}
}

// Ingest validates and inserts a batch of messages. Malformed items are
// rejected individually; the batch never aborts on one bad message.
func (s *Service) Ingest(ctx context.Context, msgs []models.Message) (Summary, error) {
	var summary Summary
	for i := range msgs {
		if err := ctx.Err(); err != nil {
			return summary, nil
		}
		msg := &msgs[i]

		if reason := validate(msg); reason != "" {
			summary.Rejected++
			summary.Reasons = append(summary.Reasons, reason)
			logrus.Warnf("Rejected message from %q: %s", msg.Platform, reason)
			continue
		}

		msg.Processed = false
		msg.ProcessedAt = nil
		err := s.store.InsertMessage(ctx, msg)
		switch {
		case err == nil:
			summary.Accepted++
		case err == storage.ErrDuplicate:
			summary.Duplicate++
		default:
			return summary, &models.ResourceError{Resource: "message store", Err: err}
		}
	}

	logrus.Infof("Ingested batch: %d accepted, %d duplicate, %d rejected",
		summary.Accepted, summary.Duplicate, summary.Rejected)
	return summary, nil
}

func validate(msg *models.Message) string {
	if _, err := models.ParsePlatform(string(msg.Platform)); err != nil {
		return err.Error()
	}
	if strings.TrimSpace(msg.PlatformMessageID) == "" {
		return "missing platform message id"
	}
	if strings.TrimSpace(msg.Author) == "" {
		return "missing author"
	}
	if msg.PostedAt.IsZero() {
		return "missing posted-at timestamp"
	}
	return ""
}
