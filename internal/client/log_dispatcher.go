package client

import (
	"context"

	"github.com/pesio-ai/be-approval-workflows/internal/common/logger"
	"github.com/pesio-ai/be-approval-workflows/internal/domain"
)

// LogDispatcher writes notifications to the log. Used when NATS is disabled.
type LogDispatcher struct {
	log *logger.Logger
}

// NewLogDispatcher creates a new LogDispatcher.
func NewLogDispatcher(log *logger.Logger) *LogDispatcher {
	if log == nil {
		log = logger.Nop()
	}
	return &LogDispatcher{log: log.Component("notifications")}
}

// Dispatch logs each request at info level.
func (d *LogDispatcher) Dispatch(_ context.Context, reqs []domain.NotificationRequest) error {
	for _, r := range reqs {
		d.log.Info().
			Str("recipient_id", r.RecipientID).
			Str("category", r.Category).
			Str("link", r.LinkURL).
			Msg(r.Title)
	}
	return nil
}
