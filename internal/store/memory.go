package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"uptime/internal/domain"
)

// MemoryStore keeps catalog and state in process memory for single-instance mode.
// Params: maps guarded by one RW mutex.
// Returns: store implementation without external dependencies.
type MemoryStore struct {
	mu           sync.RWMutex
	monitors     map[string]domain.Monitor
	results      []domain.CheckResult
	incidents    map[string]domain.Incident
	openByMon    map[string]string
	rules        []domain.AlertRule
	channels     map[string]domain.NotificationChannel
	history      []domain.AlertHistory
	historyByInc map[string][]int
}

// NewMemoryStore creates empty in-memory store.
// Params: none.
// Returns: initialized in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		monitors:     make(map[string]domain.Monitor),
		incidents:    make(map[string]domain.Incident),
		openByMon:    make(map[string]string),
		channels:     make(map[string]domain.NotificationChannel),
		historyByInc: make(map[string][]int),
	}
}

// ApplyCatalog replaces definitions while keeping evaluator-owned monitor state.
// Params: context and validated catalog.
// Returns: nil.
func (s *MemoryStore) ApplyCatalog(_ context.Context, catalog Catalog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	monitors := make(map[string]domain.Monitor, len(catalog.Monitors))
	for _, monitor := range catalog.Monitors {
		if prev, ok := s.monitors[monitor.ID]; ok {
			monitor.LastCheckedAt = prev.LastCheckedAt
			monitor.ConsecutiveFailures = prev.ConsecutiveFailures
			if monitor.CertExpiresAt == nil {
				monitor.CertExpiresAt = prev.CertExpiresAt
			}
		}
		monitors[monitor.ID] = monitor
	}
	s.monitors = monitors

	s.rules = append([]domain.AlertRule(nil), catalog.Rules...)

	channels := make(map[string]domain.NotificationChannel, len(catalog.Channels))
	for _, channel := range catalog.Channels {
		if prev, ok := s.channels[channel.ID]; ok {
			channel.LastTestAt = prev.LastTestAt
			channel.LastTestOK = prev.LastTestOK
			channel.LastTestError = prev.LastTestError
		}
		channels[channel.ID] = channel
	}
	s.channels = channels
	return nil
}

// PutMonitor inserts or replaces one monitor definition.
func (s *MemoryStore) PutMonitor(monitor domain.Monitor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.monitors[monitor.ID] = monitor
}

// DeleteMonitor removes monitor definition.
func (s *MemoryStore) DeleteMonitor(monitorID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.monitors, monitorID)
}

// PutRule inserts or replaces one rule, preserving insertion order.
func (s *MemoryStore) PutRule(rule domain.AlertRule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for idx := range s.rules {
		if s.rules[idx].ID == rule.ID {
			s.rules[idx] = rule
			return
		}
	}
	s.rules = append(s.rules, rule)
}

// PutChannel inserts or replaces one channel.
func (s *MemoryStore) PutChannel(channel domain.NotificationChannel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channels[channel.ID] = channel
}

// ListActiveMonitors returns unpaused monitors ordered by ID.
func (s *MemoryStore) ListActiveMonitors(_ context.Context) ([]domain.Monitor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Monitor, 0, len(s.monitors))
	for _, monitor := range s.monitors {
		if monitor.Paused {
			continue
		}
		out = append(out, monitor)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// GetMonitor returns monitor by ID including paused monitors.
func (s *MemoryStore) GetMonitor(_ context.Context, monitorID string) (domain.Monitor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	monitor, ok := s.monitors[monitorID]
	if !ok {
		return domain.Monitor{}, ErrNotFound
	}
	return monitor, nil
}

// UpdateCheckState stores counter and last-check timestamp.
func (s *MemoryStore) UpdateCheckState(_ context.Context, monitorID string, state CheckState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	monitor, ok := s.monitors[monitorID]
	if !ok {
		return ErrNotFound
	}
	checkedAt := state.LastCheckedAt
	monitor.LastCheckedAt = &checkedAt
	monitor.ConsecutiveFailures = state.ConsecutiveFailures
	if state.CertExpiresAt != nil {
		monitor.CertExpiresAt = state.CertExpiresAt
	}
	s.monitors[monitorID] = monitor
	return nil
}

// AppendCheckResult appends immutable check result.
func (s *MemoryStore) AppendCheckResult(_ context.Context, result domain.CheckResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, result)
	return nil
}

// PruneCheckResults deletes results checked before cutoff.
func (s *MemoryStore) PruneCheckResults(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.results[:0]
	var removed int64
	for _, result := range s.results {
		if result.CheckedAt.Before(before) {
			removed++
			continue
		}
		kept = append(kept, result)
	}
	s.results = kept
	return removed, nil
}

// CheckResults returns copy of stored results for one monitor.
func (s *MemoryStore) CheckResults(monitorID string) []domain.CheckResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.CheckResult, 0)
	for _, result := range s.results {
		if result.MonitorID == monitorID {
			out = append(out, result)
		}
	}
	return out
}

// OpenIncident stores new open incident or returns ErrConflict.
func (s *MemoryStore) OpenIncident(_ context.Context, incident domain.Incident) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.openByMon[incident.MonitorID]; ok {
		return ErrConflict
	}
	s.incidents[incident.ID] = incident
	s.openByMon[incident.MonitorID] = incident.ID
	return nil
}

// UpdateIncident replaces open incident record.
func (s *MemoryStore) UpdateIncident(_ context.Context, incident domain.Incident) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.incidents[incident.ID]; !ok {
		return ErrNotFound
	}
	s.incidents[incident.ID] = incident
	return nil
}

// ResolveIncident stores resolved incident and releases the open slot.
func (s *MemoryStore) ResolveIncident(_ context.Context, incident domain.Incident) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.incidents[incident.ID]; !ok {
		return ErrNotFound
	}
	s.incidents[incident.ID] = incident
	if s.openByMon[incident.MonitorID] == incident.ID {
		delete(s.openByMon, incident.MonitorID)
	}
	return nil
}

// GetOpenIncident returns open incident for monitor or ErrNotFound.
func (s *MemoryStore) GetOpenIncident(_ context.Context, monitorID string) (domain.Incident, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.openByMon[monitorID]
	if !ok {
		return domain.Incident{}, ErrNotFound
	}
	return s.incidents[id], nil
}

// Incidents returns all incidents of monitor ordered by open time.
func (s *MemoryStore) Incidents(monitorID string) []domain.Incident {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Incident, 0)
	for _, incident := range s.incidents {
		if incident.MonitorID == monitorID {
			out = append(out, incident)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out
}

// ListEnabledRulesForOwner returns enabled rules matching owner, monitor scope, and type.
func (s *MemoryStore) ListEnabledRulesForOwner(_ context.Context, ownerID, monitorID string, ruleType domain.RuleType) ([]domain.AlertRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.AlertRule, 0)
	for _, rule := range s.rules {
		if !rule.Enabled || rule.Type != ruleType || rule.OwnerID != ownerID {
			continue
		}
		if rule.MonitorID != "" && rule.MonitorID != monitorID {
			continue
		}
		out = append(out, rule)
	}
	return out, nil
}

// GetChannel returns channel by ID.
func (s *MemoryStore) GetChannel(_ context.Context, channelID string) (domain.NotificationChannel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	channel, ok := s.channels[channelID]
	if !ok {
		return domain.NotificationChannel{}, ErrNotFound
	}
	return channel, nil
}

// RecordChannelTest stores last test outcome on channel.
func (s *MemoryStore) RecordChannelTest(_ context.Context, channelID string, at time.Time, testErr error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	channel, ok := s.channels[channelID]
	if !ok {
		return ErrNotFound
	}
	testedAt := at
	passed := testErr == nil
	channel.LastTestAt = &testedAt
	channel.LastTestOK = &passed
	channel.LastTestError = ""
	if testErr != nil {
		channel.LastTestError = testErr.Error()
	}
	s.channels[channelID] = channel
	return nil
}

// AppendHistory appends alert history row.
func (s *MemoryStore) AppendHistory(_ context.Context, history domain.AlertHistory) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, history)
	if history.IncidentID != "" {
		s.historyByInc[history.IncidentID] = append(s.historyByInc[history.IncidentID], len(s.history)-1)
	}
	return nil
}

// ListHistoryForIncident returns rows linked to incident in append order.
func (s *MemoryStore) ListHistoryForIncident(_ context.Context, incidentID string) ([]domain.AlertHistory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	indexes := s.historyByInc[incidentID]
	out := make([]domain.AlertHistory, 0, len(indexes))
	for _, idx := range indexes {
		out = append(out, s.history[idx])
	}
	return out, nil
}

// History returns copy of all history rows.
func (s *MemoryStore) History() []domain.AlertHistory {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.AlertHistory(nil), s.history...)
}

// Close releases memory store resources.
func (s *MemoryStore) Close() error {
	return nil
}
