package notifyqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"uptime/internal/config"
	"uptime/internal/logging"

	"github.com/nats-io/nats.go"
)

const (
	notifyStreamMaxAge    = 24 * time.Hour
	notifyDLQStreamMaxAge = 7 * 24 * time.Hour

	// HeaderChannelType carries the target channel type of a queued job.
	HeaderChannelType = "Uptime-Channel-Type"
	// HeaderChannelID carries the target channel ID of a queued job.
	HeaderChannelID = "Uptime-Channel-Id"
	// HeaderHistoryID carries the incident history ID a job notifies about.
	HeaderHistoryID = "Uptime-History-Id"
	// HeaderDLQReason carries the dead-letter classification of a DLQ entry.
	HeaderDLQReason = "Uptime-Dlq-Reason"
)

// NATSProducer publishes notification jobs into the configured JetStream stream.
type NATSProducer struct {
	nc      *nats.Conn
	js      nats.JetStreamContext
	subject string
}

// NewNATSProducer creates JetStream producer for notification queue.
// Params: queue config with connection URLs and stream names.
// Returns: initialized producer or setup error.
func NewNATSProducer(cfg config.NotifyQueue) (*NATSProducer, error) {
	nc, js, err := openNotifyQueueJetStream(cfg, "uptime-notify-producer")
	if err != nil {
		return nil, err
	}
	return &NATSProducer{nc: nc, js: js, subject: cfg.Subject}, nil
}

// Enqueue publishes one notification job, tagged with its channel and incident.
// Params: context and queue job payload.
// Returns: publish error.
func (p *NATSProducer) Enqueue(ctx context.Context, job Job) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal notify job %s: %w", job.ID, err)
	}
	msg := nats.NewMsg(p.subject)
	msg.Data = body
	setJobHeaders(msg.Header, job)
	if id := strings.TrimSpace(job.ID); id != "" {
		msg.Header.Set(nats.MsgIdHdr, id)
	}
	if _, err := p.js.PublishMsg(msg, nats.Context(ctx)); err != nil {
		return fmt.Errorf("publish notify job for %s channel %s: %w", job.Channel.Type, job.Channel.ID, err)
	}
	return nil
}

// Close closes producer NATS connection.
func (p *NATSProducer) Close() error {
	if p == nil || p.nc == nil {
		return nil
	}
	p.nc.Close()
	return nil
}

// NATSWorker delivers queued notifications from a durable queue-group consumer.
type NATSWorker struct {
	nc        *nats.Conn
	js        nats.JetStreamContext
	sub       *nats.Subscription
	logger    *slog.Logger
	cfg       config.NotifyQueue
	nackDelay time.Duration
	handler   func(ctx context.Context, job Job) error
}

// NewNATSWorker starts queue consumer for notification delivery jobs.
// Params: queue config, logger, and per-job delivery callback.
// Returns: running worker or setup error.
func NewNATSWorker(cfg config.NotifyQueue, logger *slog.Logger, handler func(ctx context.Context, job Job) error) (*NATSWorker, error) {
	if handler == nil {
		return nil, errors.New("notify worker requires a delivery handler")
	}
	if logger == nil {
		logger = logging.Discard()
	}
	nc, js, err := openNotifyQueueJetStream(cfg, "uptime-notify-worker")
	if err != nil {
		return nil, err
	}

	worker := &NATSWorker{
		nc:        nc,
		js:        js,
		logger:    logger.With("component", "notify_queue", "stream", cfg.Stream),
		cfg:       cfg,
		nackDelay: time.Duration(cfg.NackDelayMS) * time.Millisecond,
		handler:   handler,
	}
	sub, err := js.QueueSubscribe(cfg.Subject, cfg.DeliverGroup, worker.handle,
		nats.BindStream(cfg.Stream),
		nats.Durable(cfg.ConsumerName),
		nats.ManualAck(),
		nats.AckExplicit(),
		nats.AckWait(time.Duration(cfg.AckWaitSec)*time.Second),
		nats.MaxDeliver(cfg.MaxDeliver),
		nats.MaxAckPending(cfg.MaxAckPending),
		nats.DeliverAll(),
	)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("queue subscribe notify %q/%q: %w", cfg.Subject, cfg.DeliverGroup, err)
	}
	worker.sub = sub
	return worker, nil
}

// handle delivers one queued message and settles it.
// Undecodable payloads are dead-lettered (when enabled) and acked since no retry can fix them.
func (w *NATSWorker) handle(message *nats.Msg) {
	if message == nil {
		return
	}
	attempts := deliveryAttempts(message)
	var job Job
	if err := json.Unmarshal(message.Data, &job); err != nil {
		w.logger.Warn("notify job decode failed",
			"subject", message.Subject,
			"channel_type", message.Header.Get(HeaderChannelType),
			"history_id", message.Header.Get(HeaderHistoryID),
			"error", err.Error(),
		)
		w.deadLetter(message, job, DLQReasonMalformedJob, err, attempts)
		return
	}

	logger := w.logger.With(
		"job_id", job.ID,
		"channel_id", job.Channel.ID,
		"channel_type", string(job.Channel.Type),
		"history_id", job.Notification.HistoryID,
		"kind", string(job.Notification.Kind),
		"attempt", attempts,
	)
	err := w.handler(context.Background(), job)
	if err == nil {
		logger.Debug("notify job delivered")
		_ = message.Ack()
		return
	}

	reason := classifyFailure(err, attempts, w.cfg.MaxDeliver)
	if reason == "" {
		logger.Warn("notify job failed, will retry", "error", err.Error())
		w.nak(message)
		return
	}
	logger.Error("notify job abandoned", "reason", string(reason), "error", err.Error())
	w.deadLetter(message, job, reason, err, attempts)
}

// deadLetter records a terminal failure and acks the original message.
// A failed DLQ publish naks instead, so the job stays in the work queue.
func (w *NATSWorker) deadLetter(message *nats.Msg, job Job, reason DLQReason, cause error, attempts uint64) {
	if w.cfg.DLQ {
		if err := w.publishDLQ(context.Background(), message, job, reason, cause, attempts); err != nil {
			w.logger.Error("notify dlq publish failed",
				"job_id", job.ID,
				"channel_type", string(job.Channel.Type),
				"history_id", job.Notification.HistoryID,
				"reason", string(reason),
				"error", err.Error(),
			)
			w.nak(message)
			return
		}
	}
	_ = message.Ack()
}

func (w *NATSWorker) nak(message *nats.Msg) {
	if w.nackDelay > 0 {
		_ = message.NakWithDelay(w.nackDelay)
		return
	}
	_ = message.Nak()
}

// Close drains worker subscription and closes NATS connection.
// Params: none.
// Returns: close error from subscription drain.
func (w *NATSWorker) Close() error {
	if w == nil || w.nc == nil {
		return nil
	}
	if w.sub != nil {
		if err := w.sub.Drain(); err != nil {
			w.nc.Close()
			return err
		}
	}
	w.nc.Close()
	return nil
}

// classifyFailure maps a delivery error to its dead-letter reason.
// Params: handler error, delivery attempt, and max deliver policy.
// Returns: empty reason when the job should be retried.
func classifyFailure(err error, attempts uint64, maxDeliver int) DLQReason {
	switch {
	case IsPermanent(err):
		return DLQReasonPermanentError
	case maxDeliver > 0 && attempts >= uint64(maxDeliver):
		return DLQReasonMaxDeliverExceeded
	default:
		return ""
	}
}

// ensureStream creates a stream when it does not exist yet.
// Params: JetStream context, stream name, bound subject, retention, and max age.
// Returns: stream lookup/create error.
func ensureStream(js nats.JetStreamContext, name, subject string, retention nats.RetentionPolicy, maxAge time.Duration) error {
	_, err := js.StreamInfo(name)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("stream info %q: %w", name, err)
	}
	if _, err := js.AddStream(&nats.StreamConfig{
		Name:      name,
		Subjects:  []string{subject},
		Retention: retention,
		Storage:   nats.FileStorage,
		MaxAge:    maxAge,
	}); err != nil {
		return fmt.Errorf("create stream %q: %w", name, err)
	}
	return nil
}

// openNotifyQueueJetStream connects and ensures the job stream (and DLQ stream) exist.
// Params: queue config and client connection name.
// Returns: opened NATS connection, JetStream context, and setup error.
func openNotifyQueueJetStream(cfg config.NotifyQueue, clientName string) (*nats.Conn, nats.JetStreamContext, error) {
	nc, err := nats.Connect(strings.Join(cfg.URL, ","), nats.Name(clientName))
	if err != nil {
		return nil, nil, fmt.Errorf("connect notify queue nats: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream init for notify queue: %w", err)
	}
	if err := ensureStream(js, cfg.Stream, cfg.Subject, nats.WorkQueuePolicy, notifyStreamMaxAge); err != nil {
		nc.Close()
		return nil, nil, err
	}
	if cfg.DLQ {
		if err := ensureStream(js, cfg.DLQStream, cfg.DLQSubject, nats.LimitsPolicy, notifyDLQStreamMaxAge); err != nil {
			nc.Close()
			return nil, nil, err
		}
	}
	return nc, js, nil
}

// deliveryAttempts returns number of delivery attempts from JetStream metadata.
// Params: delivered NATS message.
// Returns: delivered-attempt count (at least 1 when message is non-nil).
func deliveryAttempts(message *nats.Msg) uint64 {
	if message == nil {
		return 0
	}
	metadata, err := message.Metadata()
	if err != nil || metadata == nil || metadata.NumDelivered <= 0 {
		return 1
	}
	return metadata.NumDelivered
}

// publishDLQ publishes a failed job to the configured dead-letter subject.
// The dedup ID is keyed on incident, channel, and reason so one incident
// notification lands in the DLQ once per channel and failure kind.
func (w *NATSWorker) publishDLQ(ctx context.Context, message *nats.Msg, job Job, reason DLQReason, cause error, attempts uint64) error {
	entry := DLQEntry{
		Job:         job,
		Reason:      reason,
		Error:       "unknown error",
		Attempts:    attempts,
		MaxDeliver:  w.cfg.MaxDeliver,
		ChannelType: job.Channel.Type,
		HistoryID:   job.Notification.HistoryID,
		FailedAt:    time.Now().UTC(),
	}
	if cause != nil {
		entry.Error = strings.TrimSpace(cause.Error())
	}
	if message != nil {
		entry.Subject = message.Subject
		entry.OriginalMsgID = strings.TrimSpace(message.Header.Get(nats.MsgIdHdr))
	}
	body, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal notify dlq entry: %w", err)
	}

	msg := nats.NewMsg(w.cfg.DLQSubject)
	msg.Data = body
	setJobHeaders(msg.Header, job)
	msg.Header.Set(HeaderDLQReason, string(reason))
	if key := dlqKey(job, reason, message); key != "" {
		msg.Header.Set(nats.MsgIdHdr, key)
	}
	if _, err := w.js.PublishMsg(msg, nats.Context(ctx)); err != nil {
		return fmt.Errorf("publish notify dlq entry: %w", err)
	}
	return nil
}

// dlqKey builds the DLQ dedup ID; malformed jobs fall back to the stream sequence.
func dlqKey(job Job, reason DLQReason, message *nats.Msg) string {
	if job.Notification.HistoryID != "" && job.Channel.ID != "" {
		return strings.Join([]string{"dlq", job.Notification.HistoryID, string(job.Notification.Kind), string(job.Channel.Type), job.Channel.ID, string(reason)}, ":")
	}
	if message == nil {
		return ""
	}
	metadata, err := message.Metadata()
	if err != nil || metadata == nil {
		return ""
	}
	return "dlq:seq:" + strconv.FormatUint(metadata.Sequence.Stream, 10) + ":" + string(reason)
}

func setJobHeaders(header nats.Header, job Job) {
	if job.Channel.Type != "" {
		header.Set(HeaderChannelType, string(job.Channel.Type))
	}
	if job.Channel.ID != "" {
		header.Set(HeaderChannelID, job.Channel.ID)
	}
	if job.Notification.HistoryID != "" {
		header.Set(HeaderHistoryID, job.Notification.HistoryID)
	}
}
