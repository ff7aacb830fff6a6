package api

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// QuoteSnapshot is the authoritative state of a quote as held by the
// external storage collaborator
type QuoteSnapshot struct {
	QuoteID   string                     `json:"quote_id"`
	Fields    map[string]json.RawMessage `json:"fields"`
	Version   int                        `json:"version"`
	UpdatedAt time.Time                  `json:"updated_at"`
}

// ValidationError is the storage collaborator's rejection of a field update.
// It triggers a compensating revert broadcast, never a silent drop.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for field %s: %s", e.Field, e.Reason)
}

// QuoteStore is the persistence collaborator. Quote CRUD, premium
// arithmetic and schema all live behind it; the real-time layer only reads
// snapshots and applies field updates.
type QuoteStore interface {
	Get(ctx context.Context, quoteID string) (*QuoteSnapshot, error)
	ApplyFieldUpdate(ctx context.Context, quoteID, field string, value json.RawMessage, userID string) error
}

// FieldValidator decides whether a field update is acceptable.
// Returning an error rejects the update.
type FieldValidator func(quoteID, field string, value json.RawMessage) error

// InMemoryQuoteStore is a QuoteStore for development and tests
type InMemoryQuoteStore struct {
	mu        sync.RWMutex
	quotes    map[string]*QuoteSnapshot
	validator FieldValidator
}

// NewInMemoryQuoteStore creates an empty in-memory store
func NewInMemoryQuoteStore() *InMemoryQuoteStore {
	return &InMemoryQuoteStore{
		quotes: make(map[string]*QuoteSnapshot),
	}
}

// SetValidator installs a validation hook applied on every field update
func (s *InMemoryQuoteStore) SetValidator(v FieldValidator) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.validator = v
}

// Seed installs a quote snapshot
func (s *InMemoryQuoteStore) Seed(quoteID string, fields map[string]json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quotes[quoteID] = &QuoteSnapshot{
		QuoteID:   quoteID,
		Fields:    fields,
		Version:   1,
		UpdatedAt: time.Now().UTC(),
	}
}

// Get returns a copy of the quote snapshot
func (s *InMemoryQuoteStore) Get(ctx context.Context, quoteID string) (*QuoteSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	q, ok := s.quotes[quoteID]
	if !ok {
		return nil, fmt.Errorf("quote %s not found", quoteID)
	}
	snapshot := &QuoteSnapshot{
		QuoteID:   q.QuoteID,
		Fields:    make(map[string]json.RawMessage, len(q.Fields)),
		Version:   q.Version,
		UpdatedAt: q.UpdatedAt,
	}
	for k, v := range q.Fields {
		snapshot.Fields[k] = v
	}
	return snapshot, nil
}

// ApplyFieldUpdate validates and persists a single field value
func (s *InMemoryQuoteStore) ApplyFieldUpdate(ctx context.Context, quoteID, field string, value json.RawMessage, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.validator != nil {
		if err := s.validator(quoteID, field, value); err != nil {
			if vErr, ok := err.(*ValidationError); ok {
				return vErr
			}
			return &ValidationError{Field: field, Reason: err.Error()}
		}
	}

	q, ok := s.quotes[quoteID]
	if !ok {
		q = &QuoteSnapshot{
			QuoteID: quoteID,
			Fields:  make(map[string]json.RawMessage),
		}
		s.quotes[quoteID] = q
	}
	q.Fields[field] = value
	q.Version++
	q.UpdatedAt = time.Now().UTC()
	return nil
}

// AnalyticsProgress is one event of a bounded calculation progress stream
type AnalyticsProgress struct {
	Stage   string          `json:"stage"`
	Percent int             `json:"percent"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// AnalyticsSource is the external calculation collaborator. It produces a
// bounded stream of progress events; the real-time layer relays them
// verbatim and embeds no calculation logic.
type AnalyticsSource interface {
	Run(ctx context.Context, dashboardType string) (<-chan AnalyticsProgress, error)
}
