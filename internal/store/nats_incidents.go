package store

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"uptime/internal/config"
	"uptime/internal/domain"

	"github.com/nats-io/nats.go"
)

const (
	openKeyPrefix     = "open."
	incidentKeyPrefix = "incident."
)

// NATSIncidentStore persists incidents in a JetStream KV bucket shared by replicas.
// Params: NATS connection and KV handle; open slot per monitor is claimed with Create.
// Returns: KV-backed incident store implementation.
type NATSIncidentStore struct {
	nc *nats.Conn
	kv nats.KeyValue
}

// NewNATSIncidentStore opens or creates incident bucket.
// Params: NATS settings from config.
// Returns: initialized store or setup error.
func NewNATSIncidentStore(settings config.NATSConfig) (*NATSIncidentStore, error) {
	nc, err := nats.Connect(strings.Join(settings.URL, ","))
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}
	kv, err := js.KeyValue(settings.IncidentBucket)
	if err != nil {
		if !settings.AllowCreateBuckets {
			nc.Close()
			return nil, fmt.Errorf("open incident bucket %q: %w", settings.IncidentBucket, err)
		}
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{
			Bucket:  settings.IncidentBucket,
			History: 1,
		})
		if err != nil {
			nc.Close()
			return nil, fmt.Errorf("create incident bucket %q: %w", settings.IncidentBucket, err)
		}
	}
	return &NATSIncidentStore{nc: nc, kv: kv}, nil
}

// OpenIncident claims monitor open slot and writes incident record.
// Params: new open incident.
// Returns: ErrConflict when another writer holds the slot.
func (s *NATSIncidentStore) OpenIncident(_ context.Context, incident domain.Incident) error {
	if _, err := s.kv.Create(openKey(incident.MonitorID), []byte(incident.ID)); err != nil {
		if isKVConflict(err) {
			return ErrConflict
		}
		return fmt.Errorf("claim open slot: %w", err)
	}
	if err := s.putIncident(incident); err != nil {
		_ = s.kv.Delete(openKey(incident.MonitorID))
		return err
	}
	return nil
}

// UpdateIncident replaces incident record using revision CAS.
// Params: updated incident.
// Returns: ErrNotFound, ErrConflict, or write error.
func (s *NATSIncidentStore) UpdateIncident(_ context.Context, incident domain.Incident) error {
	entry, err := s.kv.Get(incidentKey(incident.ID))
	if err != nil {
		if errors.Is(err, nats.ErrKeyNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("get incident: %w", err)
	}
	body, err := json.Marshal(incident)
	if err != nil {
		return fmt.Errorf("encode incident: %w", err)
	}
	if _, err := s.kv.Update(incidentKey(incident.ID), body, entry.Revision()); err != nil {
		if isKVConflict(err) {
			return ErrConflict
		}
		return fmt.Errorf("update incident: %w", err)
	}
	return nil
}

// ResolveIncident writes resolved record and releases monitor open slot.
// Params: resolved incident.
// Returns: write error.
func (s *NATSIncidentStore) ResolveIncident(ctx context.Context, incident domain.Incident) error {
	if err := s.UpdateIncident(ctx, incident); err != nil {
		return err
	}
	entry, err := s.kv.Get(openKey(incident.MonitorID))
	if err != nil {
		if errors.Is(err, nats.ErrKeyNotFound) {
			return nil
		}
		return fmt.Errorf("get open slot: %w", err)
	}
	if string(entry.Value()) != incident.ID {
		return nil
	}
	if err := s.kv.Delete(openKey(incident.MonitorID), nats.LastRevision(entry.Revision())); err != nil && !errors.Is(err, nats.ErrKeyNotFound) {
		if isKVConflict(err) {
			return ErrConflict
		}
		return fmt.Errorf("release open slot: %w", err)
	}
	return nil
}

// GetOpenIncident resolves monitor open slot into incident record.
// Params: monitor ID.
// Returns: open incident or ErrNotFound.
func (s *NATSIncidentStore) GetOpenIncident(_ context.Context, monitorID string) (domain.Incident, error) {
	slot, err := s.kv.Get(openKey(monitorID))
	if err != nil {
		if errors.Is(err, nats.ErrKeyNotFound) {
			return domain.Incident{}, ErrNotFound
		}
		return domain.Incident{}, fmt.Errorf("get open slot: %w", err)
	}
	entry, err := s.kv.Get(incidentKey(string(slot.Value())))
	if err != nil {
		if errors.Is(err, nats.ErrKeyNotFound) {
			return domain.Incident{}, ErrNotFound
		}
		return domain.Incident{}, fmt.Errorf("get incident: %w", err)
	}
	var incident domain.Incident
	if err := json.Unmarshal(entry.Value(), &incident); err != nil {
		return domain.Incident{}, fmt.Errorf("decode incident: %w", err)
	}
	if incident.State != domain.IncidentOpen {
		return domain.Incident{}, ErrNotFound
	}
	return incident, nil
}

// Close closes underlying NATS connection.
func (s *NATSIncidentStore) Close() error {
	s.nc.Close()
	return nil
}

func (s *NATSIncidentStore) putIncident(incident domain.Incident) error {
	body, err := json.Marshal(incident)
	if err != nil {
		return fmt.Errorf("encode incident: %w", err)
	}
	if _, err := s.kv.Put(incidentKey(incident.ID), body); err != nil {
		return fmt.Errorf("put incident: %w", err)
	}
	return nil
}

func isKVConflict(err error) bool {
	return errors.Is(err, nats.ErrKeyExists) || strings.Contains(strings.ToLower(err.Error()), "wrong last sequence")
}

func openKey(monitorID string) string {
	return openKeyPrefix + kvToken(monitorID)
}

func incidentKey(incidentID string) string {
	return incidentKeyPrefix + kvToken(incidentID)
}

// kvToken keeps KV-safe identifiers readable and hex-encodes the rest.
func kvToken(id string) string {
	for _, r := range id {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '-' || r == '_') {
			return "x" + hex.EncodeToString([]byte(id))
		}
	}
	return id
}
