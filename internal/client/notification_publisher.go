package client

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/pesio-ai/be-approval-workflows/internal/common/errors"
	"github.com/pesio-ai/be-approval-workflows/internal/common/logger"
	"github.com/pesio-ai/be-approval-workflows/internal/domain"
)

// SubjectPrefix is the NATS subject root for workflow notifications.
// Subject convention: notifications.workflow.<category>
const SubjectPrefix = "notifications.workflow"

// Publisher is the transport the notification publisher writes to. The
// JetStream client in internal/common/nats satisfies it.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// NotificationEvent is the JSON schema published to NATS for consumption by
// the notifications service.
type NotificationEvent struct {
	EventType    string   `json:"event_type"`
	Recipients   []string `json:"recipients"`
	ResourceType string   `json:"resource_type,omitempty"`
	Title        string   `json:"title"`
	Message      string   `json:"message"`
	IsActionable bool     `json:"is_actionable,omitempty"`
	ActionURL    string   `json:"action_url,omitempty"`
	Severity     string   `json:"severity,omitempty"`
	Category     string   `json:"category"`
}

// BreakerConfig tunes the circuit breaker around publishing.
type BreakerConfig struct {
	ConsecutiveFailures uint32
	Timeout             time.Duration
	MaxRequests         uint32
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.ConsecutiveFailures == 0 {
		c.ConsecutiveFailures = 5
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MaxRequests == 0 {
		c.MaxRequests = 1
	}
	return c
}

// NotificationPublisher publishes workflow notifications to NATS JetStream.
// Requests with identical content are folded into one event with several
// recipients. While the broker keeps failing the breaker opens and
// publishing fails fast instead of stalling committed workflow actions.
type NotificationPublisher struct {
	nats    Publisher
	breaker *gobreaker.CircuitBreaker
	log     *logger.Logger
}

// NewNotificationPublisher creates a publisher backed by the given NATS client.
func NewNotificationPublisher(nats Publisher, cfg BreakerConfig, log *logger.Logger) *NotificationPublisher {
	if log == nil {
		log = logger.Nop()
	}
	cfg = cfg.withDefaults()
	p := &NotificationPublisher{nats: nats, log: log.Component("notifications")}
	p.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "nats-notifications",
		MaxRequests: cfg.MaxRequests,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			p.log.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("notification: circuit breaker state changed")
		},
	})
	return p
}

// Dispatch publishes reqs. Every event is attempted; the returned error
// reports how many failed.
func (p *NotificationPublisher) Dispatch(ctx context.Context, reqs []domain.NotificationRequest) error {
	if p.nats == nil || len(reqs) == 0 {
		return nil
	}

	var failed int
	var last error
	for _, event := range groupEvents(reqs) {
		if err := p.publish(ctx, event); err != nil {
			failed++
			last = err
		}
	}
	if failed > 0 {
		return errors.Unavailable(last, fmt.Sprintf("%d notification event(s) not published", failed))
	}
	return nil
}

func (p *NotificationPublisher) publish(ctx context.Context, event *NotificationEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "marshal notification event")
	}

	subject := fmt.Sprintf("%s.%s", SubjectPrefix, event.Category)
	_, err = p.breaker.Execute(func() (any, error) {
		return nil, p.nats.Publish(ctx, subject, data)
	})
	if err != nil {
		if stderrors.Is(err, gobreaker.ErrOpenState) || stderrors.Is(err, gobreaker.ErrTooManyRequests) {
			p.log.Debug().Str("subject", subject).Msg("notification: circuit open, event dropped")
		} else {
			p.log.Warn().Err(err).
				Str("subject", subject).
				Int("recipients", len(event.Recipients)).
				Msg("notification: failed to publish NATS event (non-fatal)")
		}
		return err
	}

	p.log.Debug().
		Str("subject", subject).
		Int("recipients", len(event.Recipients)).
		Msg("notification: event published")
	return nil
}

// State reports the breaker state, for health output.
func (p *NotificationPublisher) State() string {
	return p.breaker.State().String()
}

func groupEvents(reqs []domain.NotificationRequest) []*NotificationEvent {
	type key struct{ category, title, link, message string }
	index := make(map[key]*NotificationEvent)
	var out []*NotificationEvent
	for _, r := range reqs {
		if r.RecipientID == "" {
			continue
		}
		k := key{r.Category, r.Title, r.LinkURL, r.Message}
		if ev, ok := index[k]; ok {
			ev.Recipients = append(ev.Recipients, r.RecipientID)
			continue
		}
		ev := &NotificationEvent{
			EventType:    "workflow_" + r.Category,
			Recipients:   []string{r.RecipientID},
			ResourceType: resourceFromLink(r.LinkURL),
			Title:        r.Title,
			Message:      r.Message,
			IsActionable: r.Category == domain.NotifyApprovalRequired,
			ActionURL:    r.LinkURL,
			Severity:     severity(r.Category),
			Category:     r.Category,
		}
		index[k] = ev
		out = append(out, ev)
	}
	return out
}

func severity(category string) string {
	switch category {
	case domain.NotifyRejected, domain.NotifyCancelled:
		return "warning"
	default:
		return "info"
	}
}

// resourceFromLink extracts the type segment of "<base>/<type>/<id>".
func resourceFromLink(link string) string {
	if strings.Count(link, "/") < 2 {
		return ""
	}
	return path.Base(path.Dir(link))
}
