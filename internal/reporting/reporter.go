// Package reporting delivers terminal pipeline outcomes to operators and
// downstream consumers.
package reporting

import (
	"context"
	"errors"
	"log/slog"

	"clip_relay/internal/domain"
)

type Reporter interface {
	Report(ctx context.Context, report domain.Report) error
}

// Log writes every outcome as a structured log record.
type Log struct {
	logger *slog.Logger
}

func NewLog(logger *slog.Logger) *Log {
	return &Log{logger: logger.With("component", "outcome")}
}

func (l *Log) Report(ctx context.Context, report domain.Report) error {
	level := slog.LevelInfo
	switch report.Kind {
	case domain.ReportReauthRequired:
		level = slog.LevelError
	case domain.ReportFailed, domain.ReportPartial:
		level = slog.LevelWarn
	}

	published := 0
	for _, c := range report.Clips {
		if c.Published {
			published++
		}
	}

	attrs := []any{
		"kind", report.Kind,
		"item_id", report.ItemID,
		"channel_id", report.ChannelID,
		"video_id", report.VideoID,
		"clips", len(report.Clips),
		"published", published,
	}
	if report.AccountID != "" {
		attrs = append(attrs, "account_id", report.AccountID)
	}
	if report.Reason != "" {
		attrs = append(attrs, "stage", report.Stage, "error_kind", report.ErrorKind, "reason", report.Reason)
	}

	l.logger.Log(ctx, level, "pipeline outcome", attrs...)
	return nil
}

// Multi fans a report out to every reporter and joins their errors.
type Multi []Reporter

func (m Multi) Report(ctx context.Context, report domain.Report) error {
	var errs []error
	for _, r := range m {
		if err := r.Report(ctx, report); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
