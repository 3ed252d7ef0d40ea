package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"uptime/internal/config"
	"uptime/internal/domain"

	"github.com/nats-io/nats.go"
)

const commandTimeout = 2 * time.Minute

// NATSCommands serves control commands from a NATS queue group with request/reply.
// Params: NATS connection and queue subscription.
// Returns: lifecycle handle.
type NATSCommands struct {
	nc     *nats.Conn
	sub    *nats.Subscription
	logger *slog.Logger
}

// NewNATSCommands subscribes command subject in configured queue group.
// Params: NATS config, controller, and logger.
// Returns: started subscriber or connect/subscribe error.
func NewNATSCommands(cfg config.NATSConfig, controller Controller, logger *slog.Logger) (*NATSCommands, error) {
	nc, err := nats.Connect(strings.Join(cfg.URL, ","), nats.Name("uptime-commands"))
	if err != nil {
		return nil, fmt.Errorf("connect nats commands: %w", err)
	}
	subscriber := &NATSCommands{nc: nc, logger: logger}
	sub, err := nc.QueueSubscribe(cfg.CommandSubject, cfg.CommandQueue, func(message *nats.Msg) {
		subscriber.handle(controller, message)
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("queue subscribe %q/%q: %w", cfg.CommandSubject, cfg.CommandQueue, err)
	}
	subscriber.sub = sub
	return subscriber, nil
}

func (s *NATSCommands) handle(controller Controller, message *nats.Msg) {
	command, err := domain.DecodeCommand(message.Data)
	if err != nil {
		if s.logger != nil {
			s.logger.Warn("nats command decode failed", "subject", message.Subject, "error", err.Error())
		}
		s.respond(message, Reply{Error: err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	reply, status := Execute(ctx, controller, command)
	if status >= http.StatusInternalServerError && s.logger != nil {
		s.logger.Error("nats command failed", "type", string(command.Type), "id", command.ID, "error", reply.Error)
	}
	s.respond(message, reply)
}

// respond answers request messages; fire-and-forget publishes get no reply.
func (s *NATSCommands) respond(message *nats.Msg, reply Reply) {
	if message.Reply == "" {
		return
	}
	payload, err := json.Marshal(reply)
	if err != nil {
		return
	}
	if err := message.Respond(payload); err != nil && s.logger != nil {
		s.logger.Warn("nats command respond failed", "subject", message.Subject, "error", err.Error())
	}
}

// Close drains subscription and closes connection.
func (s *NATSCommands) Close() error {
	if s.sub != nil {
		if err := s.sub.Drain(); err != nil {
			s.nc.Close()
			return err
		}
	}
	s.nc.Close()
	return nil
}
