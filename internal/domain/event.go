package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// TransitionKind is incident tracker output for one check.
type TransitionKind string

const (
	TransitionNone     TransitionKind = "none"
	TransitionOpened   TransitionKind = "opened"
	TransitionUpdated  TransitionKind = "updated"
	TransitionResolved TransitionKind = "resolved"
)

// Transition carries incident state change produced by one check result.
// Params: change kind and the incident snapshot after the change.
// Returns: input for alert rule engine.
type Transition struct {
	Kind     TransitionKind
	Incident *Incident
}

// CommandType identifies control command sent by the CRUD layer.
type CommandType string

const (
	// CommandCheckNow runs one monitor check outside the schedule.
	CommandCheckNow CommandType = "check_now"
	// CommandTestChannel sends one test notification.
	CommandTestChannel CommandType = "test_channel"
	// CommandRefresh reloads the active monitor set.
	CommandRefresh CommandType = "refresh"
)

// Command is control request received over NATS or HTTP.
type Command struct {
	Type CommandType `json:"type"`
	ID   string      `json:"id,omitempty"`
}

// DecodeCommand decodes and validates one command payload.
// Params: JSON document bytes.
// Returns: validated command or decode/validation error.
func DecodeCommand(raw []byte) (Command, error) {
	var command Command
	if err := json.Unmarshal(raw, &command); err != nil {
		return Command{}, fmt.Errorf("decode command: %w", err)
	}
	if err := command.Validate(); err != nil {
		return Command{}, err
	}
	return command, nil
}

// Validate checks command type and identifier presence.
func (c Command) Validate() error {
	switch c.Type {
	case CommandCheckNow, CommandTestChannel:
		if strings.TrimSpace(c.ID) == "" {
			return fmt.Errorf("command %s requires id", c.Type)
		}
		return nil
	case CommandRefresh:
		return nil
	case "":
		return errors.New("command type is required")
	default:
		return fmt.Errorf("unsupported command type %q", c.Type)
	}
}
