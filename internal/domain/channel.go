package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ChannelType selects transport and configuration shape of a notification channel.
type ChannelType string

const (
	ChannelEmail    ChannelType = "email"
	ChannelWebhook  ChannelType = "webhook"
	ChannelSMS      ChannelType = "sms"
	ChannelSlack    ChannelType = "slack"
	ChannelTelegram ChannelType = "telegram"
)

// ChannelTypes lists supported channel types.
func ChannelTypes() []ChannelType {
	return []ChannelType{ChannelEmail, ChannelWebhook, ChannelSMS, ChannelSlack, ChannelTelegram}
}

// ParseChannelType normalizes channel type token.
// Params: raw type string.
// Returns: channel type or error for unknown values.
func ParseChannelType(raw string) (ChannelType, error) {
	channelType := ChannelType(strings.ToLower(strings.TrimSpace(raw)))
	for _, known := range ChannelTypes() {
		if channelType == known {
			return channelType, nil
		}
	}
	return "", fmt.Errorf("unsupported channel type %q", raw)
}

// NotificationChannel is one configured delivery destination.
// Params: owner, type tag with raw config, flags, quiet hours, and last test outcome.
// Returns: channel resolved by dispatcher per rule reference.
type NotificationChannel struct {
	ID         string          `json:"id"`
	OwnerID    string          `json:"owner_id"`
	Name       string          `json:"name"`
	Type       ChannelType     `json:"type"`
	Enabled    bool            `json:"enabled"`
	IsDefault  bool            `json:"is_default"`
	Config     json.RawMessage `json:"config,omitempty"`
	QuietHours *QuietHours     `json:"quiet_hours,omitempty"`

	LastTestAt    *time.Time `json:"last_test_at,omitempty"`
	LastTestOK    *bool      `json:"last_test_ok,omitempty"`
	LastTestError string     `json:"last_test_error,omitempty"`

	Settings ChannelConfig `json:"-"`
}

// Decode parses raw config into typed variant and validates quiet hours.
// Params: none.
// Returns: channel mutated in place or decode error.
func (c *NotificationChannel) Decode() error {
	channelType, err := ParseChannelType(string(c.Type))
	if err != nil {
		return err
	}
	c.Type = channelType
	settings, err := DecodeChannelConfig(channelType, c.Config)
	if err != nil {
		return fmt.Errorf("channel %q config: %w", c.ID, err)
	}
	c.Settings = settings
	if c.QuietHours != nil {
		if err := c.QuietHours.Validate(); err != nil {
			return fmt.Errorf("channel %q quiet_hours: %w", c.ID, err)
		}
	}
	return nil
}

// ChannelConfig is the tagged union of typed channel configurations.
type ChannelConfig interface {
	ChannelType() ChannelType
	validate() error
}

// EmailConfig lists recipient addresses.
type EmailConfig struct {
	To []string `json:"to"`
}

// ChannelType returns email tag.
func (EmailConfig) ChannelType() ChannelType { return ChannelEmail }

func (c EmailConfig) validate() error {
	if len(c.To) == 0 {
		return errors.New("to is required")
	}
	for _, address := range c.To {
		if !strings.Contains(address, "@") {
			return fmt.Errorf("address %q is invalid", address)
		}
	}
	return nil
}

// WebhookConfig describes customer HTTP callback.
type WebhookConfig struct {
	URL     string            `json:"url"`
	Method  string            `json:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Secret  string            `json:"secret,omitempty"`
}

// ChannelType returns webhook tag.
func (WebhookConfig) ChannelType() ChannelType { return ChannelWebhook }

func (c WebhookConfig) validate() error {
	return validateHTTPURL("url", c.URL)
}

// SMSConfig lists destination phone numbers.
type SMSConfig struct {
	PhoneNumbers []string `json:"phone_numbers"`
}

// ChannelType returns sms tag.
func (SMSConfig) ChannelType() ChannelType { return ChannelSMS }

func (c SMSConfig) validate() error {
	if len(c.PhoneNumbers) == 0 {
		return errors.New("phone_numbers is required")
	}
	for _, phone := range c.PhoneNumbers {
		trimmed := strings.TrimPrefix(strings.TrimSpace(phone), "+")
		if trimmed == "" {
			return errors.New("phone number is empty")
		}
		if _, err := strconv.ParseUint(trimmed, 10, 64); err != nil {
			return fmt.Errorf("phone number %q is invalid", phone)
		}
	}
	return nil
}

// SlackConfig targets Slack incoming webhook.
type SlackConfig struct {
	WebhookURL string `json:"webhook_url"`
	Channel    string `json:"channel,omitempty"`
	Username   string `json:"username,omitempty"`
}

// ChannelType returns slack tag.
func (SlackConfig) ChannelType() ChannelType { return ChannelSlack }

func (c SlackConfig) validate() error {
	return validateHTTPURL("webhook_url", c.WebhookURL)
}

// TelegramConfig targets Telegram chat.
type TelegramConfig struct {
	ChatID string `json:"chat_id"`
}

// ChannelType returns telegram tag.
func (TelegramConfig) ChannelType() ChannelType { return ChannelTelegram }

func (c TelegramConfig) validate() error {
	if strings.TrimSpace(c.ChatID) == "" {
		return errors.New("chat_id is required")
	}
	return nil
}

// DecodeChannelConfig decodes raw JSON into typed channel config.
// Params: channel type tag and raw JSON object.
// Returns: typed config or strict decode/validation error.
func DecodeChannelConfig(channelType ChannelType, raw json.RawMessage) (ChannelConfig, error) {
	var settings ChannelConfig
	switch channelType {
	case ChannelEmail:
		settings = &EmailConfig{}
	case ChannelWebhook:
		settings = &WebhookConfig{}
	case ChannelSMS:
		settings = &SMSConfig{}
	case ChannelSlack:
		settings = &SlackConfig{}
	case ChannelTelegram:
		settings = &TelegramConfig{}
	default:
		return nil, fmt.Errorf("unsupported channel type %q", channelType)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, fmt.Errorf("%s config is required", channelType)
	}
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(settings); err != nil {
		return nil, fmt.Errorf("decode %s config: %w", channelType, err)
	}
	if err := settings.validate(); err != nil {
		return nil, fmt.Errorf("%s config: %w", channelType, err)
	}
	switch typed := settings.(type) {
	case *EmailConfig:
		return *typed, nil
	case *WebhookConfig:
		return *typed, nil
	case *SMSConfig:
		return *typed, nil
	case *SlackConfig:
		return *typed, nil
	case *TelegramConfig:
		return *typed, nil
	}
	return settings, nil
}

func validateHTTPURL(field, raw string) error {
	if strings.TrimSpace(raw) == "" {
		return fmt.Errorf("%s is required", field)
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s is invalid: %w", field, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("%s must be http(s)", field)
	}
	return nil
}
