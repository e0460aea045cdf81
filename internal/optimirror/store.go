package optimirror

import (
	"encoding/json"
	"errors"
	"strings"
	"sync"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrInvalidInput   = errors.New("invalid input")
	ErrCircuitOpen    = errors.New("circuit open")
	ErrInvalidState   = errors.New("invalid state")
	ErrNotImplemented = errors.New("not implemented")
)

// DomainRecord is one mirrored entity: an opaque payload addressed by
// (dataType, id). The payload is kept as raw JSON so rollback can restore
// the exact pre-mutation bytes.
type DomainRecord struct {
	DataType  string          `json:"dataType"`
	ID        string          `json:"id"`
	Payload   json.RawMessage `json:"payload"`
	UpdatedAt string          `json:"updatedAt,omitempty"`
}

func (r DomainRecord) clone() DomainRecord {
	out := r
	if r.Payload != nil {
		out.Payload = append(json.RawMessage(nil), r.Payload...)
	}
	return out
}

// RecordStore mirrors the latest known state of domain entities. It is a
// pure data holder; all lifecycle decisions live in the Coordinator.
// Insertion order within a dataType is preserved for list consumers.
type RecordStore struct {
	mu      sync.RWMutex
	records map[string]map[string]DomainRecord
	order   map[string][]string
}

func NewRecordStore() *RecordStore {
	return &RecordStore{
		records: map[string]map[string]DomainRecord{},
		order:   map[string][]string{},
	}
}

func (s *RecordStore) Get(dataType, id string) (DomainRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byID, ok := s.records[dataType]
	if !ok {
		return DomainRecord{}, false
	}
	rec, ok := byID[id]
	if !ok {
		return DomainRecord{}, false
	}
	return rec.clone(), true
}

func (s *RecordStore) Upsert(rec DomainRecord) error {
	if strings.TrimSpace(rec.DataType) == "" || strings.TrimSpace(rec.ID) == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upsertLocked(rec)
	return nil
}

func (s *RecordStore) upsertLocked(rec DomainRecord) {
	byID, ok := s.records[rec.DataType]
	if !ok {
		byID = map[string]DomainRecord{}
		s.records[rec.DataType] = byID
	}
	if _, exists := byID[rec.ID]; !exists {
		s.order[rec.DataType] = append(s.order[rec.DataType], rec.ID)
	}
	byID[rec.ID] = rec.clone()
}

func (s *RecordStore) Remove(dataType, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byID, ok := s.records[dataType]
	if !ok {
		return
	}
	if _, exists := byID[id]; !exists {
		return
	}
	delete(byID, id)
	ids := s.order[dataType]
	for i, existing := range ids {
		if existing == id {
			s.order[dataType] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
}

// List returns the records of one dataType in insertion order.
func (s *RecordStore) List(dataType string) []DomainRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byID := s.records[dataType]
	out := make([]DomainRecord, 0, len(byID))
	for _, id := range s.order[dataType] {
		if rec, ok := byID[id]; ok {
			out = append(out, rec.clone())
		}
	}
	return out
}

func (s *RecordStore) dataTypesLocked() []string {
	types := make([]string, 0, len(s.records))
	for dataType := range s.records {
		types = append(types, dataType)
	}
	return types
}

func (s *RecordStore) snapshot() map[string][]DomainRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := map[string][]DomainRecord{}
	for _, dataType := range s.dataTypesLocked() {
		byID := s.records[dataType]
		records := make([]DomainRecord, 0, len(byID))
		for _, id := range s.order[dataType] {
			if rec, ok := byID[id]; ok {
				records = append(records, rec.clone())
			}
		}
		out[dataType] = records
	}
	return out
}

func (s *RecordStore) restore(records map[string][]DomainRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = map[string]map[string]DomainRecord{}
	s.order = map[string][]string{}
	for _, byType := range records {
		for _, rec := range byType {
			if strings.TrimSpace(rec.DataType) == "" || strings.TrimSpace(rec.ID) == "" {
				continue
			}
			s.upsertLocked(rec)
		}
	}
}
