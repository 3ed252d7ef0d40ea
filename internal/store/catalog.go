package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"uptime/internal/domain"

	"gopkg.in/yaml.v3"
)

// Catalog is the validated set of monitors, rules, and channels loaded from file.
type Catalog struct {
	Monitors []domain.Monitor
	Rules    []domain.AlertRule
	Channels []domain.NotificationChannel
}

type catalogFile struct {
	Monitors []domain.Monitor `yaml:"monitors"`
	Rules    []catalogRule    `yaml:"rules"`
	Channels []catalogChannel `yaml:"channels"`
}

type catalogRule struct {
	ID          string         `yaml:"id"`
	OwnerID     string         `yaml:"owner_id"`
	MonitorID   string         `yaml:"monitor_id"`
	Name        string         `yaml:"name"`
	Type        string         `yaml:"type"`
	Severity    string         `yaml:"severity"`
	Enabled     *bool          `yaml:"enabled"`
	Conditions  map[string]any `yaml:"conditions"`
	ChannelIDs  []string       `yaml:"channels"`
	CooldownSec int            `yaml:"cooldown_sec"`
}

type catalogChannel struct {
	ID         string             `yaml:"id"`
	OwnerID    string             `yaml:"owner_id"`
	Name       string             `yaml:"name"`
	Type       string             `yaml:"type"`
	Enabled    *bool              `yaml:"enabled"`
	IsDefault  bool               `yaml:"is_default"`
	Config     map[string]any     `yaml:"config"`
	QuietHours *domain.QuietHours `yaml:"quiet_hours"`
}

// LoadCatalog reads and validates catalog YAML file.
// Params: path to catalog file.
// Returns: validated catalog or first validation error.
func LoadCatalog(path string) (Catalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Catalog{}, fmt.Errorf("read catalog %q: %w", path, err)
	}
	return ParseCatalog(raw)
}

// ParseCatalog decodes and validates catalog YAML document.
// Params: YAML bytes.
// Returns: validated catalog or first validation error.
func ParseCatalog(raw []byte) (Catalog, error) {
	var file catalogFile
	decoder := yaml.NewDecoder(bytes.NewReader(raw))
	decoder.KnownFields(true)
	if err := decoder.Decode(&file); err != nil && !errors.Is(err, io.EOF) {
		return Catalog{}, fmt.Errorf("decode catalog: %w", err)
	}

	catalog := Catalog{
		Monitors: make([]domain.Monitor, 0, len(file.Monitors)),
		Rules:    make([]domain.AlertRule, 0, len(file.Rules)),
		Channels: make([]domain.NotificationChannel, 0, len(file.Channels)),
	}

	seen := make(map[string]struct{})
	for idx, monitor := range file.Monitors {
		monitor.ApplyDefaults()
		if err := monitor.Validate(); err != nil {
			return Catalog{}, fmt.Errorf("monitors[%d]: %w", idx, err)
		}
		if err := claimID(seen, "monitor", monitor.ID); err != nil {
			return Catalog{}, err
		}
		catalog.Monitors = append(catalog.Monitors, monitor)
	}

	for idx, item := range file.Rules {
		rule, err := item.toDomain()
		if err != nil {
			return Catalog{}, fmt.Errorf("rules[%d]: %w", idx, err)
		}
		if err := claimID(seen, "rule", rule.ID); err != nil {
			return Catalog{}, err
		}
		catalog.Rules = append(catalog.Rules, rule)
	}

	for idx, item := range file.Channels {
		channel, err := item.toDomain()
		if err != nil {
			return Catalog{}, fmt.Errorf("channels[%d]: %w", idx, err)
		}
		if err := claimID(seen, "channel", channel.ID); err != nil {
			return Catalog{}, err
		}
		catalog.Channels = append(catalog.Channels, channel)
	}
	return catalog, nil
}

func claimID(seen map[string]struct{}, kind, id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%s id is required", kind)
	}
	key := kind + "/" + id
	if _, ok := seen[key]; ok {
		return fmt.Errorf("duplicate %s id %q", kind, id)
	}
	seen[key] = struct{}{}
	return nil
}

func (r catalogRule) toDomain() (domain.AlertRule, error) {
	conditions, err := marshalDocument(r.Conditions)
	if err != nil {
		return domain.AlertRule{}, fmt.Errorf("rule %q conditions: %w", r.ID, err)
	}
	rule := domain.AlertRule{
		ID:          r.ID,
		OwnerID:     r.OwnerID,
		MonitorID:   r.MonitorID,
		Name:        r.Name,
		Type:        domain.RuleType(r.Type),
		Severity:    domain.Severity(r.Severity),
		Enabled:     r.Enabled == nil || *r.Enabled,
		Conditions:  conditions,
		ChannelIDs:  r.ChannelIDs,
		CooldownSec: r.CooldownSec,
	}
	if rule.Severity == "" {
		rule.Severity = domain.SeverityMedium
	}
	if rule.CooldownSec < 0 {
		return domain.AlertRule{}, fmt.Errorf("rule %q cooldown_sec must be >=0", r.ID)
	}
	if err := rule.Decode(); err != nil {
		return domain.AlertRule{}, err
	}
	return rule, nil
}

func (c catalogChannel) toDomain() (domain.NotificationChannel, error) {
	config, err := marshalDocument(c.Config)
	if err != nil {
		return domain.NotificationChannel{}, fmt.Errorf("channel %q config: %w", c.ID, err)
	}
	channel := domain.NotificationChannel{
		ID:         c.ID,
		OwnerID:    c.OwnerID,
		Name:       c.Name,
		Type:       domain.ChannelType(c.Type),
		Enabled:    c.Enabled == nil || *c.Enabled,
		IsDefault:  c.IsDefault,
		Config:     config,
		QuietHours: c.QuietHours,
	}
	if err := channel.Decode(); err != nil {
		return domain.NotificationChannel{}, err
	}
	return channel, nil
}

func marshalDocument(document map[string]any) (json.RawMessage, error) {
	if len(document) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(document)
	if err != nil {
		return nil, err
	}
	return raw, nil
}
