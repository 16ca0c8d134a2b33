package rateupdate

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/jdziat/taxsync/pkg/core"
	"github.com/jdziat/taxsync/pkg/queue"
)

// JobQueue is the part of the queue the notifier enqueues into.
type JobQueue interface {
	AddJob(ctx context.Context, name core.QueueName, payload any, opts ...queue.Option) (*core.Job, error)
}

// Sender delivers an email notification.
type Sender interface {
	Send(ctx context.Context, n EmailNotification) error
}

// LogSender writes notifications to the log instead of delivering them.
type LogSender struct {
	Logger *zap.SugaredLogger
}

// Send implements Sender.
func (s LogSender) Send(_ context.Context, n EmailNotification) error {
	l := s.Logger
	if l == nil {
		l = zap.NewNop().Sugar()
	}
	l.Infow("email notification", "template", n.Template, "subject", n.Subject, "data", n.Data)
	return nil
}

// Notifier turns RateChanged messages into email-notifications jobs and
// processes those jobs with a Sender.
type Notifier struct {
	subscriber message.Subscriber
	queue      JobQueue
	sender     Sender
	logger     *zap.SugaredLogger
}

// NewNotifier creates a Notifier. A nil sender logs notifications.
func NewNotifier(sub message.Subscriber, q JobQueue, sender Sender, logger *zap.SugaredLogger) *Notifier {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	logger = logger.With("component", "notifier")
	if sender == nil {
		sender = LogSender{Logger: logger}
	}
	return &Notifier{subscriber: sub, queue: q, sender: sender, logger: logger}
}

// Run subscribes to TopicRateChanged and consumes it until ctx is done.
func (n *Notifier) Run(ctx context.Context) error {
	messages, err := n.Subscribe(ctx)
	if err != nil {
		return err
	}
	n.Consume(ctx, messages)
	return nil
}

// Subscribe subscribes to TopicRateChanged. Messages published after it
// returns are delivered to the channel.
func (n *Notifier) Subscribe(ctx context.Context) (<-chan *message.Message, error) {
	messages, err := n.subscriber.Subscribe(ctx, TopicRateChanged)
	if err != nil {
		return nil, errors.Wrap(err, "subscribe to rate changes")
	}
	return messages, nil
}

// Consume handles messages until ctx is done or the channel is closed.
func (n *Notifier) Consume(ctx context.Context, messages <-chan *message.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			if err := n.handle(ctx, msg); err != nil {
				n.logger.Warnw("rate change notification not enqueued", "message_id", msg.UUID, "error", err)
				msg.Nack()
				continue
			}
			msg.Ack()
		}
	}
}

func (n *Notifier) handle(ctx context.Context, msg *message.Message) error {
	var ev RateChanged
	if err := json.Unmarshal(msg.Payload, &ev); err != nil {
		// Malformed messages are dropped rather than redelivered forever.
		n.logger.Errorw("decode rate change", "message_id", msg.UUID, "error", err)
		return nil
	}

	note := EmailNotification{
		Template: "rate-changed",
		Subject:  fmt.Sprintf("Tax rate changed for %s", ev.Key),
		Data: map[string]any{
			"key":     ev.Key,
			"state":   ev.State,
			"newRate": ev.NewRate,
			"auditId": ev.AuditID,
		},
	}
	if ev.OldRate != nil {
		note.Data["oldRate"] = *ev.OldRate
	}
	prio := core.PriorityNormal
	if ev.Anomaly {
		note.Template = "rate-anomaly"
		note.Subject = fmt.Sprintf("Rate anomaly pending review for %s", ev.Key)
		prio = core.PriorityHigh
	}

	_, err := n.queue.AddJob(ctx, core.QueueEmailNotifications, note,
		queue.WithPriority(prio),
		queue.WithUniqueKey("rate-changed:"+ev.AuditID))
	if errors.Is(err, core.ErrDuplicateJob) {
		return nil
	}
	return err
}

// Deliver is the email-notifications processor.
func (n *Notifier) Deliver(ctx context.Context, note EmailNotification) error {
	if note.Template == "" {
		return core.NoRetry(errors.New("notification template is required"))
	}
	return n.sender.Send(ctx, note)
}
