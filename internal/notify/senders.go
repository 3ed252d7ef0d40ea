package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"io"
	"net"
	"net/http"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"uptime/internal/config"
	"uptime/internal/domain"
	"uptime/internal/permanent"

	tgbot "github.com/go-telegram/bot"
	tgmodels "github.com/go-telegram/bot/models"
)

// SignatureHeader carries HMAC-SHA256 of webhook body when channel secret is set.
const SignatureHeader = "X-Uptime-Signature"

// channelSettings returns typed channel config, decoding raw config when needed.
func channelSettings[T domain.ChannelConfig](channel domain.NotificationChannel) (T, error) {
	var zero T
	if channel.Settings == nil {
		if err := channel.Decode(); err != nil {
			return zero, permanent.Mark(err)
		}
	}
	typed, ok := channel.Settings.(T)
	if !ok {
		return zero, permanent.Mark(fmt.Errorf("channel %s has %T settings", channel.ID, channel.Settings))
	}
	return typed, nil
}

// EmailSender delivers notifications through SMTP relay.
type EmailSender struct {
	cfg      config.EmailNotifier
	sendMail func(ctx context.Context, addr string, auth smtp.Auth, from string, to []string, msg []byte) error
}

// NewEmailSender creates SMTP sender.
// Params: email transport config.
// Returns: initialized sender.
func NewEmailSender(cfg config.EmailNotifier) *EmailSender {
	return &EmailSender{cfg: cfg, sendMail: sendMailContext}
}

// Type returns email channel tag.
func (s *EmailSender) Type() domain.ChannelType { return domain.ChannelEmail }

// Send writes one plain-text message to all channel recipients.
// Params: context, email channel, and rendered notification.
// Returns: SMTP error.
func (s *EmailSender) Send(ctx context.Context, channel domain.NotificationChannel, message domain.Notification) (SendResult, error) {
	settings, err := channelSettings[domain.EmailConfig](channel)
	if err != nil {
		return SendResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return SendResult{}, err
	}

	var body bytes.Buffer
	fmt.Fprintf(&body, "From: %s\r\n", s.cfg.From)
	fmt.Fprintf(&body, "To: %s\r\n", strings.Join(settings.To, ", "))
	fmt.Fprintf(&body, "Subject: %s\r\n", message.Subject)
	body.WriteString("MIME-Version: 1.0\r\n")
	body.WriteString("Content-Type: text/plain; charset=UTF-8\r\n\r\n")
	body.WriteString(strings.ReplaceAll(message.Text, "\n", "\r\n"))
	body.WriteString("\r\n")

	var auth smtp.Auth
	if s.cfg.Username != "" {
		auth = smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
	}
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	if err := s.sendMail(ctx, addr, auth, s.cfg.From, settings.To, body.Bytes()); err != nil {
		return SendResult{}, fmt.Errorf("email send: %w", err)
	}
	return SendResult{}, nil
}

// sendMailContext is smtp.SendMail bounded by ctx. The dial honors cancellation and
// any blocked read or write fails once ctx ends.
func sendMailContext(ctx context.Context, addr string, auth smtp.Auth, from string, to []string, msg []byte) (err error) {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return permanent.Mark(fmt.Errorf("smtp address %q: %w", addr, err))
	}
	conn, err := (&net.Dialer{}).DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	// Expire pending I/O once the context ends.
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()
	defer func() {
		if ctxErr := ctx.Err(); err != nil && ctxErr != nil {
			err = fmt.Errorf("%w: %w", ctxErr, err)
		}
	}()

	client, err := smtp.NewClient(conn, host)
	if err != nil {
		_ = conn.Close()
		return err
	}
	defer client.Close()

	if ok, _ := client.Extension("STARTTLS"); ok {
		if err := client.StartTLS(&tls.Config{ServerName: host}); err != nil {
			return err
		}
	}
	if auth != nil {
		if ok, _ := client.Extension("AUTH"); !ok {
			return permanent.Mark(errors.New("smtp server does not support AUTH"))
		}
		if err := client.Auth(auth); err != nil {
			return err
		}
	}
	if err := client.Mail(from); err != nil {
		return err
	}
	for _, recipient := range to {
		if err := client.Rcpt(recipient); err != nil {
			return err
		}
	}
	writer, err := client.Data()
	if err != nil {
		return err
	}
	if _, err := writer.Write(msg); err != nil {
		return err
	}
	if err := writer.Close(); err != nil {
		return err
	}
	return client.Quit()
}

// WebhookSender posts notification JSON to customer endpoint.
type WebhookSender struct {
	client *http.Client
}

// NewWebhookSender creates webhook sender.
// Params: webhook transport config.
// Returns: initialized sender.
func NewWebhookSender(cfg config.WebhookNotifier) *WebhookSender {
	return &WebhookSender{client: &http.Client{Timeout: time.Duration(cfg.TimeoutSec) * time.Second}}
}

// Type returns webhook channel tag.
func (s *WebhookSender) Type() domain.ChannelType { return domain.ChannelWebhook }

// Send delivers JSON payload with optional HMAC signature.
// Params: context, webhook channel, and rendered notification.
// Returns: transport or HTTP error; 4xx except 408/429 are permanent.
func (s *WebhookSender) Send(ctx context.Context, channel domain.NotificationChannel, message domain.Notification) (SendResult, error) {
	settings, err := channelSettings[domain.WebhookConfig](channel)
	if err != nil {
		return SendResult{}, err
	}
	body, err := json.Marshal(message)
	if err != nil {
		return SendResult{}, permanent.Mark(fmt.Errorf("encode webhook payload: %w", err))
	}

	method := strings.ToUpper(strings.TrimSpace(settings.Method))
	if method == "" {
		method = http.MethodPost
	}
	request, err := http.NewRequestWithContext(ctx, method, settings.URL, bytes.NewReader(body))
	if err != nil {
		return SendResult{}, permanent.Mark(fmt.Errorf("build webhook request: %w", err))
	}
	request.Header.Set("Content-Type", "application/json")
	for key, value := range settings.Headers {
		request.Header.Set(key, value)
	}
	if settings.Secret != "" {
		request.Header.Set(SignatureHeader, "sha256="+Sign(settings.Secret, body))
	}
	return SendResult{}, doJSON(s.client, request, "webhook")
}

// Sign returns hex HMAC-SHA256 of body keyed by secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// SMSSender delivers text through HTTP SMS gateway, one request per number.
type SMSSender struct {
	cfg    config.SMSNotifier
	client *http.Client
}

// NewSMSSender creates SMS gateway sender.
// Params: SMS transport config.
// Returns: initialized sender.
func NewSMSSender(cfg config.SMSNotifier) *SMSSender {
	return &SMSSender{cfg: cfg, client: &http.Client{Timeout: time.Duration(cfg.TimeoutSec) * time.Second}}
}

// Type returns sms channel tag.
func (s *SMSSender) Type() domain.ChannelType { return domain.ChannelSMS }

// Send posts message to gateway for every configured phone number.
// Params: context, sms channel, and rendered notification.
// Returns: joined gateway errors.
func (s *SMSSender) Send(ctx context.Context, channel domain.NotificationChannel, message domain.Notification) (SendResult, error) {
	settings, err := channelSettings[domain.SMSConfig](channel)
	if err != nil {
		return SendResult{}, err
	}
	var errs []error
	for _, phone := range settings.PhoneNumbers {
		payload := struct {
			From string `json:"from,omitempty"`
			To   string `json:"to"`
			Text string `json:"text"`
		}{From: s.cfg.From, To: phone, Text: message.Text}
		body, err := json.Marshal(payload)
		if err != nil {
			return SendResult{}, permanent.Mark(fmt.Errorf("encode sms payload: %w", err))
		}
		request, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.URL, bytes.NewReader(body))
		if err != nil {
			return SendResult{}, permanent.Mark(fmt.Errorf("build sms request: %w", err))
		}
		request.Header.Set("Content-Type", "application/json")
		if s.cfg.Token != "" {
			request.Header.Set("Authorization", "Bearer "+s.cfg.Token)
		}
		if err := doJSON(s.client, request, "sms"); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", phone, err))
		}
	}
	if len(errs) == len(settings.PhoneNumbers) && len(errs) > 0 {
		return SendResult{}, errors.Join(errs...)
	}
	if len(errs) > 0 {
		// Partial delivery is final.
		return SendResult{}, permanent.Mark(errors.Join(errs...))
	}
	return SendResult{}, nil
}

// SlackSender posts messages to Slack incoming webhook.
type SlackSender struct {
	client *http.Client
}

// NewSlackSender creates Slack sender.
// Params: Slack transport config.
// Returns: initialized sender.
func NewSlackSender(cfg config.SlackNotifier) *SlackSender {
	return &SlackSender{client: &http.Client{Timeout: time.Duration(cfg.TimeoutSec) * time.Second}}
}

// Type returns slack channel tag.
func (s *SlackSender) Type() domain.ChannelType { return domain.ChannelSlack }

// Send posts one formatted message to channel webhook.
// Params: context, slack channel, and rendered notification.
// Returns: transport or HTTP error.
func (s *SlackSender) Send(ctx context.Context, channel domain.NotificationChannel, message domain.Notification) (SendResult, error) {
	settings, err := channelSettings[domain.SlackConfig](channel)
	if err != nil {
		return SendResult{}, err
	}
	payload := struct {
		Text     string `json:"text"`
		Channel  string `json:"channel,omitempty"`
		Username string `json:"username,omitempty"`
	}{Text: message.Text, Channel: settings.Channel, Username: settings.Username}
	body, err := json.Marshal(payload)
	if err != nil {
		return SendResult{}, permanent.Mark(fmt.Errorf("encode slack payload: %w", err))
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, settings.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return SendResult{}, permanent.Mark(fmt.Errorf("build slack request: %w", err))
	}
	request.Header.Set("Content-Type", "application/json")
	return SendResult{}, doJSON(s.client, request, "slack")
}

// TelegramSender sends notifications to Telegram Bot API.
// Params: bot token and base URL; chat comes from channel config.
// Returns: Telegram channel sender.
type TelegramSender struct {
	client  *tgbot.Bot
	initErr error
}

// NewTelegramSender creates Telegram sender with HTTP client.
// Params: Telegram notifier config.
// Returns: initialized sender.
func NewTelegramSender(cfg config.TelegramNotifier) *TelegramSender {
	sender := &TelegramSender{}
	if strings.TrimSpace(cfg.BotToken) == "" {
		sender.initErr = permanent.Mark(errors.New("telegram bot token is required"))
		return sender
	}

	options := []tgbot.Option{
		tgbot.WithSkipGetMe(),
		tgbot.WithServerURL(strings.TrimRight(cfg.APIBase, "/")),
	}
	botClient, err := tgbot.New(cfg.BotToken, options...)
	if err != nil {
		sender.initErr = permanent.Mark(fmt.Errorf("init telegram bot: %w", err))
		return sender
	}
	sender.client = botClient
	return sender
}

// Type returns telegram channel tag.
func (s *TelegramSender) Type() domain.ChannelType { return domain.ChannelTelegram }

// Send posts one notification message to Telegram chat.
// Params: context, telegram channel, and rendered notification.
// Returns: sent message ID as external ref or transport error.
func (s *TelegramSender) Send(ctx context.Context, channel domain.NotificationChannel, message domain.Notification) (SendResult, error) {
	if s.initErr != nil {
		return SendResult{}, s.initErr
	}
	settings, err := channelSettings[domain.TelegramConfig](channel)
	if err != nil {
		return SendResult{}, err
	}

	sent, err := s.client.SendMessage(ctx, &tgbot.SendMessageParams{
		ChatID:    normalizeChatID(settings.ChatID),
		Text:      html.EscapeString(message.Text),
		ParseMode: tgmodels.ParseModeHTML,
	})
	if err != nil {
		return SendResult{}, fmt.Errorf("telegram send: %w", err)
	}
	if sent == nil || sent.ID <= 0 {
		return SendResult{}, errors.New("telegram send returned empty message id")
	}
	return SendResult{ExternalRef: strconv.Itoa(sent.ID)}, nil
}

// normalizeChatID converts numeric chat IDs to int64 and keeps non-numeric IDs as string.
// Params: configured chat ID value.
// Returns: Telegram API chat id union value.
func normalizeChatID(raw string) any {
	trimmed := strings.TrimSpace(raw)
	if numeric, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
		return numeric
	}
	return trimmed
}

// doJSON executes request and maps non-2xx response to status error.
func doJSON(client *http.Client, request *http.Request, prefix string) error {
	response, err := client.Do(request)
	if err != nil {
		return fmt.Errorf("%s send: %w", prefix, err)
	}
	defer response.Body.Close()
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return permanent.MarkHTTPStatus(unexpectedHTTPStatusError(prefix, response), response.StatusCode)
	}
	_, _ = io.Copy(io.Discard, response.Body)
	return nil
}

// unexpectedHTTPStatusError formats non-2xx HTTP response with optional body.
// Params: sender prefix label and HTTP response pointer.
// Returns: status-only or status+body error.
func unexpectedHTTPStatusError(prefix string, response *http.Response) error {
	if response == nil {
		return fmt.Errorf("%s status=0", prefix)
	}
	rawBody, readErr := io.ReadAll(io.LimitReader(response.Body, 4<<10))
	if readErr != nil {
		return fmt.Errorf("%s status=%d (read body error: %w)", prefix, response.StatusCode, readErr)
	}
	trimmedBody := strings.TrimSpace(string(rawBody))
	if trimmedBody == "" {
		return fmt.Errorf("%s status=%d", prefix, response.StatusCode)
	}
	return fmt.Errorf("%s status=%d body=%s", prefix, response.StatusCode, trimmedBody)
}
