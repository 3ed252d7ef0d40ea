package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"text/template"
	"time"

	"uptime/internal/clock"
	"uptime/internal/config"
	"uptime/internal/domain"
	"uptime/internal/notifyqueue"
	"uptime/internal/permanent"
	"uptime/internal/store"

	"github.com/google/uuid"
)

// ErrChannelDisabled is returned by SendTest for disabled channels.
var ErrChannelDisabled = errors.New("channel is disabled")

// SendResult returns channel-specific metadata after successful delivery.
// Params: sender-specific metadata fields.
// Returns: optional external message reference.
type SendResult struct {
	ExternalRef string
}

// ChannelSender sends one rendered notification through one transport.
// Params: context, resolved channel with typed settings, and rendered message.
// Returns: send metadata and transport error when send fails.
type ChannelSender interface {
	Type() domain.ChannelType
	Send(ctx context.Context, channel domain.NotificationChannel, message domain.Notification) (SendResult, error)
}

// Observer receives per-channel delivery outcomes.
type Observer interface {
	ObserveDelivery(channelType domain.ChannelType, status domain.DeliveryStatus)
}

// Dispatcher resolves channels, applies quiet hours, and delivers notifications.
// Params: channel senders, retry policy, templates, and history store.
// Returns: one history row per dispatched decision.
type Dispatcher struct {
	senders   map[domain.ChannelType]ChannelSender
	retries   map[domain.ChannelType]config.NotifyRetry
	templates map[string]*template.Template
	channels  store.ChannelStore
	history   store.HistoryStore
	producer  notifyqueue.Producer
	observer  Observer
	logger    *slog.Logger
	clock     clock.Clock
	newID     func() string
}

// Option customizes dispatcher construction.
type Option func(*Dispatcher)

// WithSender registers or replaces transport for its channel type.
func WithSender(sender ChannelSender) Option {
	return func(d *Dispatcher) {
		if sender != nil {
			d.senders[sender.Type()] = sender
		}
	}
}

// WithQueue hands deliveries to the async queue instead of sending inline.
func WithQueue(producer notifyqueue.Producer) Option {
	return func(d *Dispatcher) {
		d.producer = producer
	}
}

// WithObserver registers delivery outcome observer.
func WithObserver(observer Observer) Option {
	return func(d *Dispatcher) {
		d.observer = observer
	}
}

// WithClock overrides dispatcher clock.
func WithClock(clk clock.Clock) Option {
	return func(d *Dispatcher) {
		if clk != nil {
			d.clock = clk
		}
	}
}

// WithIDGenerator overrides history row ID generation.
func WithIDGenerator(newID func() string) Option {
	return func(d *Dispatcher) {
		if newID != nil {
			d.newID = newID
		}
	}
}

// NewDispatcher builds notification dispatcher from enabled transports.
// Params: notify config, channel store, history store, optional logger, and options.
// Returns: configured dispatcher.
func NewDispatcher(cfg config.NotifyConfig, channels store.ChannelStore, history store.HistoryStore, logger *slog.Logger, opts ...Option) (*Dispatcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	templates, err := buildTemplateSet(cfg)
	if err != nil {
		return nil, err
	}
	d := &Dispatcher{
		senders:   make(map[domain.ChannelType]ChannelSender),
		retries:   make(map[domain.ChannelType]config.NotifyRetry),
		templates: templates,
		channels:  channels,
		history:   history,
		logger:    logger,
		clock:     clock.RealClock{},
		newID:     uuid.NewString,
	}
	for _, channelType := range domain.ChannelTypes() {
		d.retries[channelType] = config.RetryFor(cfg, string(channelType))
		if sender := newSenderForType(channelType, cfg); sender != nil {
			d.senders[channelType] = sender
		}
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// newSenderForType builds transport sender for enabled transport section.
// Params: channel type and full notify config.
// Returns: channel sender or nil when transport is disabled.
func newSenderForType(channelType domain.ChannelType, cfg config.NotifyConfig) ChannelSender {
	switch channelType {
	case domain.ChannelEmail:
		if cfg.Email.Enabled {
			return NewEmailSender(cfg.Email)
		}
	case domain.ChannelWebhook:
		if cfg.Webhook.Enabled {
			return NewWebhookSender(cfg.Webhook)
		}
	case domain.ChannelSMS:
		if cfg.SMS.Enabled {
			return NewSMSSender(cfg.SMS)
		}
	case domain.ChannelSlack:
		if cfg.Slack.Enabled {
			return NewSlackSender(cfg.Slack)
		}
	case domain.ChannelTelegram:
		if cfg.Telegram.Enabled {
			return NewTelegramSender(cfg.Telegram)
		}
	}
	return nil
}

type delivery struct {
	index        int
	channel      domain.NotificationChannel
	notification domain.Notification
}

// Dispatch delivers one decision to the rule channels and appends one history row.
// Channels are resolved in rule order; attempted channels run in parallel.
// Params: context and rule decision.
// Returns: appended history row or history store error.
func (d *Dispatcher) Dispatch(ctx context.Context, decision domain.Decision) (domain.AlertHistory, error) {
	at := decision.At
	if at.IsZero() {
		at = d.clock.Now()
	}

	row := domain.AlertHistory{
		ID:          d.newID(),
		RuleID:      decision.Rule.ID,
		MonitorID:   decision.Monitor.ID,
		OwnerID:     decision.Monitor.OwnerID,
		Status:      domain.HistoryTriggered,
		Severity:    decision.Severity,
		Message:     decision.Message,
		Metadata:    decision.Metadata,
		TriggeredAt: at,
	}
	kind := domain.NotificationFiring
	if decision.Kind == domain.DecisionResolve {
		row.Status = domain.HistoryResolved
		resolvedAt := at
		row.ResolvedAt = &resolvedAt
		kind = domain.NotificationResolved
	}
	if decision.Incident != nil {
		row.IncidentID = decision.Incident.ID
	}

	outcomes := make([]domain.DeliveryOutcome, len(decision.Rule.ChannelIDs))
	pending := make([]delivery, 0, len(decision.Rule.ChannelIDs))
	for idx, channelID := range decision.Rule.ChannelIDs {
		outcome := domain.DeliveryOutcome{ChannelID: channelID}
		channel, err := d.channels.GetChannel(ctx, channelID)
		switch {
		case err != nil:
			outcome.Status = domain.DeliveryMissing
			if !errors.Is(err, store.ErrNotFound) {
				outcome.Error = err.Error()
			}
		case channel.OwnerID != decision.Monitor.OwnerID:
			outcome.Status = domain.DeliveryMissing
			outcome.Error = "channel belongs to another owner"
		case !channel.Enabled:
			outcome.ChannelType = channel.Type
			outcome.Status = domain.DeliveryDisabled
		default:
			outcome.ChannelType = channel.Type
			if d.quiet(channel, decision.Severity, at) {
				outcome.Status = domain.DeliverySuppressed
				break
			}
			pending = append(pending, delivery{
				index:        idx,
				channel:      channel,
				notification: buildNotification(kind, row.ID, channel, decision, at),
			})
		}
		outcomes[idx] = outcome
	}

	var wg sync.WaitGroup
	for _, item := range pending {
		wg.Add(1)
		go func(item delivery) {
			defer wg.Done()
			outcomes[item.index] = d.deliver(ctx, item.channel, item.notification)
		}(item)
	}
	wg.Wait()

	row.ChannelsNotified = make([]string, 0, len(outcomes))
	for _, outcome := range outcomes {
		if d.observer != nil {
			d.observer.ObserveDelivery(outcome.ChannelType, outcome.Status)
		}
		if outcome.Status.Attempted() {
			row.ChannelsNotified = append(row.ChannelsNotified, outcome.ChannelID)
		}
	}
	row.Deliveries = outcomes

	if err := d.history.AppendHistory(ctx, row); err != nil {
		return row, fmt.Errorf("append alert history: %w", err)
	}
	return row, nil
}

// SendTest sends test notification ignoring quiet hours; disabled channels are rejected.
// Params: context and channel ID.
// Returns: delivery outcome or lookup/disabled/transport error.
func (d *Dispatcher) SendTest(ctx context.Context, channelID string) (domain.DeliveryOutcome, error) {
	channel, err := d.channels.GetChannel(ctx, channelID)
	if err != nil {
		return domain.DeliveryOutcome{ChannelID: channelID, Status: domain.DeliveryMissing}, err
	}
	if !channel.Enabled {
		if d.observer != nil {
			d.observer.ObserveDelivery(channel.Type, domain.DeliveryDisabled)
		}
		return domain.DeliveryOutcome{ChannelID: channelID, ChannelType: channel.Type, Status: domain.DeliveryDisabled}, ErrChannelDisabled
	}

	at := d.clock.Now()
	notification := domain.Notification{
		Kind:        domain.NotificationTest,
		ChannelID:   channel.ID,
		ChannelName: channel.Name,
		Severity:    domain.SeverityLow,
		Message:     "Test notification",
		Timestamp:   at,
	}
	outcome := d.send(ctx, channel, notification)
	if d.observer != nil {
		d.observer.ObserveDelivery(channel.Type, outcome.Status)
	}

	var testErr error
	if outcome.Status == domain.DeliveryFailed {
		testErr = errors.New(outcome.Error)
	}
	if err := d.channels.RecordChannelTest(ctx, channel.ID, at, testErr); err != nil {
		d.logger.Warn("record channel test failed", "channel_id", channel.ID, "error", err.Error())
	}
	return outcome.DeliveryOutcome, testErr
}

// Deliver renders and sends one queued job; used by async queue workers.
// Params: context and dequeued job.
// Returns: final send error (permanent errors go to DLQ).
func (d *Dispatcher) Deliver(ctx context.Context, job notifyqueue.Job) error {
	channel := job.Channel
	if err := channel.Decode(); err != nil {
		return permanent.Mark(fmt.Errorf("decode queued channel: %w", err))
	}
	outcome := d.send(ctx, channel, job.Notification)
	if outcome.Status != domain.DeliverySent {
		return outcome.sendErr
	}
	return nil
}

// quiet reports suppression for non-critical severity inside channel quiet hours.
func (d *Dispatcher) quiet(channel domain.NotificationChannel, severity domain.Severity, at time.Time) bool {
	if severity == domain.SeverityCritical || channel.QuietHours == nil {
		return false
	}
	active, err := channel.QuietHours.ActiveAt(at)
	if err != nil {
		d.logger.Warn("quiet hours evaluation failed", "channel_id", channel.ID, "error", err.Error())
		return false
	}
	return active
}

// deliver sends inline or enqueues when async queue is configured.
func (d *Dispatcher) deliver(ctx context.Context, channel domain.NotificationChannel, notification domain.Notification) domain.DeliveryOutcome {
	if d.producer == nil {
		return d.send(ctx, channel, notification).DeliveryOutcome
	}
	outcome := domain.DeliveryOutcome{ChannelID: channel.ID, ChannelType: channel.Type}
	rendered, err := d.render(channel.Type, notification)
	if err != nil {
		outcome.Status = domain.DeliveryFailed
		outcome.Error = err.Error()
		return outcome
	}
	job := notifyqueue.Job{
		ID:           notifyqueue.BuildJobID(channel.ID, rendered),
		Channel:      channel,
		Notification: rendered,
		CreatedAt:    d.clock.Now(),
	}
	if err := d.producer.Enqueue(ctx, job); err != nil {
		d.logger.Error("notify enqueue failed", "channel_id", channel.ID, "error", err.Error())
		outcome.Status = domain.DeliveryFailed
		outcome.Error = err.Error()
		return outcome
	}
	outcome.Status = domain.DeliveryQueued
	return outcome
}

type sendOutcome struct {
	domain.DeliveryOutcome
	sendErr error
}

// send renders message when needed and calls transport with retry policy.
func (d *Dispatcher) send(ctx context.Context, channel domain.NotificationChannel, notification domain.Notification) sendOutcome {
	outcome := sendOutcome{DeliveryOutcome: domain.DeliveryOutcome{ChannelID: channel.ID, ChannelType: channel.Type}}
	fail := func(err error) sendOutcome {
		outcome.Status = domain.DeliveryFailed
		outcome.Error = err.Error()
		outcome.sendErr = err
		d.logger.Warn("notify delivery failed", "channel_id", channel.ID, "channel_type", channel.Type, "kind", notification.Kind, "error", err.Error())
		return outcome
	}

	sender, ok := d.senders[channel.Type]
	if !ok {
		return fail(permanent.Mark(fmt.Errorf("notify transport %q is not configured", channel.Type)))
	}
	if notification.Text == "" {
		rendered, err := d.render(channel.Type, notification)
		if err != nil {
			return fail(permanent.Mark(err))
		}
		notification = rendered
	}
	result, err := d.sendWithRetry(ctx, sender, channel, notification, d.retries[channel.Type])
	if err != nil {
		return fail(err)
	}
	outcome.Status = domain.DeliverySent
	outcome.ExternalRef = result.ExternalRef
	return outcome
}

// sendWithRetry sends one notification with transport-specific retry policy.
// Params: sender, channel, payload, and retry policy for the transport.
// Returns: channel metadata and final error after retries.
func (d *Dispatcher) sendWithRetry(ctx context.Context, sender ChannelSender, channel domain.NotificationChannel, notification domain.Notification, retry config.NotifyRetry) (SendResult, error) {
	if !retry.Enabled {
		return sender.Send(ctx, channel, notification)
	}

	attempt := 0
	backoff := time.Duration(retry.InitialMS) * time.Millisecond
	maxBackoff := time.Duration(retry.MaxMS) * time.Millisecond
	timer := time.NewTimer(time.Hour)
	stopTimer := func() {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
	}
	stopTimer()
	defer stopTimer()

	for {
		attempt++
		result, err := sender.Send(ctx, channel, notification)
		if err == nil {
			if retry.LogEachAttempt && attempt > 1 {
				d.logger.Info("notify send recovered after retries", "channel_id", channel.ID, "attempt", attempt)
			}
			return result, nil
		}
		if retry.LogEachAttempt {
			d.logger.Warn("notify send attempt failed", "channel_id", channel.ID, "attempt", attempt, "error", err.Error())
		}
		if permanent.Is(err) {
			return SendResult{}, err
		}
		if retry.MaxAttempts > 0 && attempt >= retry.MaxAttempts {
			return SendResult{}, fmt.Errorf("channel %s failed after %d attempts: %w", channel.ID, attempt, err)
		}

		stopTimer()
		timer.Reset(backoff)
		select {
		case <-ctx.Done():
			return SendResult{}, ctx.Err()
		case <-timer.C:
		}

		if strings.EqualFold(retry.Backoff, "exponential") {
			backoff *= 2
			if maxBackoff > 0 && backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
	}
}

// buildNotification flattens decision into template context for one channel.
func buildNotification(kind domain.NotificationKind, historyID string, channel domain.NotificationChannel, decision domain.Decision, at time.Time) domain.Notification {
	notification := domain.Notification{
		Kind:        kind,
		HistoryID:   historyID,
		ChannelID:   channel.ID,
		ChannelName: channel.Name,
		RuleID:      decision.Rule.ID,
		RuleName:    decision.Rule.Name,
		RuleType:    decision.Rule.Type,
		MonitorID:   decision.Monitor.ID,
		MonitorName: decision.Monitor.Name,
		MonitorURL:  decision.Monitor.URL,
		Severity:    decision.Severity,
		Message:     decision.Message,
		StatusCode:  decision.Result.StatusCode,
		LatencyMS:   decision.Result.LatencyMS,
		Error:       decision.Result.Error,
		Timestamp:   at,
	}
	if notification.MonitorName == "" {
		notification.MonitorName = decision.Monitor.URL
	}
	if notification.RuleName == "" {
		notification.RuleName = decision.Rule.ID
	}
	if decision.Incident != nil {
		notification.IncidentID = decision.Incident.ID
		openedAt := decision.Incident.OpenedAt
		notification.StartedAt = &openedAt
		notification.Duration = decision.Incident.Duration(at)
	}
	return notification
}
