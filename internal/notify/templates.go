package notify

import (
	"fmt"
	"strings"
	"text/template"

	"uptime/internal/config"
	"uptime/internal/domain"
	"uptime/internal/templatefmt"
)

var defaultTemplates = map[domain.NotificationKind]string{
	domain.NotificationFiring: "{{ upper .Severity }}: {{ .Message }}\n" +
		"Monitor: {{ .MonitorName }} ({{ .MonitorURL }})\n" +
		"Rule: {{ .RuleName }}\n" +
		"{{ if .StartedAt }}Down since: {{ fmtTime .StartedAt }}\n{{ end }}" +
		"Time: {{ fmtTime .Timestamp }}",
	domain.NotificationResolved: "RESOLVED: {{ .Message }}\n" +
		"Monitor: {{ .MonitorName }} ({{ .MonitorURL }})\n" +
		"Rule: {{ .RuleName }}\n" +
		"Downtime: {{ fmtDuration .Duration }}\n" +
		"Time: {{ fmtTime .Timestamp }}",
	domain.NotificationTest: "Test notification for channel {{ .ChannelName }} at {{ fmtTime .Timestamp }}",
}

// buildTemplateSet compiles default templates and applies per-transport overrides.
// Params: notify config with optional name-template entries.
// Returns: template map keyed by transport and kind, or first parse error.
func buildTemplateSet(cfg config.NotifyConfig) (map[string]*template.Template, error) {
	set := make(map[string]*template.Template, len(domain.ChannelTypes())*len(defaultTemplates))
	for _, channelType := range domain.ChannelTypes() {
		for kind, body := range defaultTemplates {
			compiled, err := templatefmt.ParseNotificationTemplate(string(kind), body)
			if err != nil {
				return nil, fmt.Errorf("parse default %s template: %w", kind, err)
			}
			set[templateKey(channelType, kind)] = compiled
		}
		for _, item := range config.TemplatesFor(cfg, string(channelType)) {
			name := strings.ToLower(strings.TrimSpace(item.Name))
			compiled, err := templatefmt.ParseNotificationTemplate(name, item.Message)
			if err != nil {
				return nil, fmt.Errorf("parse notify.%s template %q: %w", channelType, name, err)
			}
			set[templateKey(channelType, domain.NotificationKind(name))] = compiled
		}
	}
	return set, nil
}

// templateKey builds deterministic template lookup key by transport and kind.
func templateKey(channelType domain.ChannelType, kind domain.NotificationKind) string {
	return string(channelType) + "/" + string(kind)
}

// render fills Subject and Text for one transport.
// Params: channel type and notification context.
// Returns: rendered copy or template error.
func (d *Dispatcher) render(channelType domain.ChannelType, notification domain.Notification) (domain.Notification, error) {
	compiled, ok := d.templates[templateKey(channelType, notification.Kind)]
	if !ok {
		return notification, fmt.Errorf("notify template %s is not defined", templateKey(channelType, notification.Kind))
	}
	text, err := templatefmt.Render(compiled, notification)
	if err != nil {
		return notification, fmt.Errorf("render %s template: %w", templateKey(channelType, notification.Kind), err)
	}
	notification.Text = text
	notification.Subject = subjectFor(notification)
	return notification, nil
}

func subjectFor(notification domain.Notification) string {
	target := notification.MonitorName
	if target == "" {
		target = notification.MonitorURL
	}
	switch notification.Kind {
	case domain.NotificationResolved:
		return fmt.Sprintf("[RESOLVED] %s", target)
	case domain.NotificationTest:
		return "Test notification"
	default:
		return fmt.Sprintf("[%s] %s", strings.ToUpper(string(notification.Severity)), target)
	}
}
