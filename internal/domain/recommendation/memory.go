package recommendation

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store. Complete and Fail play the part of the
// external workflow.
type MemoryStore struct {
	mu    sync.Mutex
	rows  map[uuid.UUID]*Record
	reads map[uuid.UUID]int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[uuid.UUID]*Record), reads: make(map[uuid.UUID]int)}
}

func (m *MemoryStore) GetByAssessmentID(_ context.Context, assessmentID uuid.UUID) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reads[assessmentID]++
	rec, ok := m.rows[assessmentID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (m *MemoryStore) CreatePending(_ context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[rec.AssessmentID]; ok {
		return nil
	}
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	now := time.Now().UTC()
	rec.Status = StatusPending
	rec.CreatedAt, rec.UpdatedAt = now, now
	cp := *rec
	m.rows[rec.AssessmentID] = &cp
	return nil
}

// Complete stores payload as the finished recommendation, creating the row
// if needed.
func (m *MemoryStore) Complete(assessmentID uuid.UUID, payload json.RawMessage) {
	m.set(assessmentID, StatusCompleted, payload, nil)
}

func (m *MemoryStore) Fail(assessmentID uuid.UUID, errPayload json.RawMessage) {
	m.set(assessmentID, StatusFailed, nil, errPayload)
}

func (m *MemoryStore) SetStatus(assessmentID uuid.UUID, status Status) {
	m.set(assessmentID, status, nil, nil)
}

func (m *MemoryStore) set(assessmentID uuid.UUID, status Status, payload, errPayload json.RawMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.rows[assessmentID]
	if !ok {
		rec = &Record{ID: uuid.New(), AssessmentID: assessmentID, CreatedAt: time.Now().UTC()}
		m.rows[assessmentID] = rec
	}
	rec.Status = status
	if payload != nil {
		rec.Recommendations = payload
	}
	if errPayload != nil {
		rec.Error = errPayload
	}
	rec.UpdatedAt = time.Now().UTC()
}

// Reads returns how many times the record for assessmentID was read.
func (m *MemoryStore) Reads(assessmentID uuid.UUID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reads[assessmentID]
}
