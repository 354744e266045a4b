package assessment

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepository is an in-process Repository.
type MemoryRepository struct {
	txMu        sync.Mutex
	mu          sync.Mutex
	assessments map[uuid.UUID]*Assessment
	patients    map[uuid.UUID]*PatientSummary
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		assessments: make(map[uuid.UUID]*Assessment),
		patients:    make(map[uuid.UUID]*PatientSummary),
	}
}

// AddPatient registers a patient so assessments can reference it.
func (m *MemoryRepository) AddPatient(p PatientSummary) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	m.patients[p.ID] = &p
}

type memTxKey struct{}

// RunInTx restores the stored assessments when fn fails.
func (m *MemoryRepository) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(memTxKey{}) != nil {
		return fn(ctx)
	}
	m.txMu.Lock()
	defer m.txMu.Unlock()

	m.mu.Lock()
	snapshot := make(map[uuid.UUID]*Assessment, len(m.assessments))
	for id, a := range m.assessments {
		snapshot[id] = a
	}
	m.mu.Unlock()

	if err := fn(context.WithValue(ctx, memTxKey{}, true)); err != nil {
		m.mu.Lock()
		m.assessments = snapshot
		m.mu.Unlock()
		return err
	}
	return nil
}

// Count returns the number of stored assessments.
func (m *MemoryRepository) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.assessments)
}

func (m *MemoryRepository) Create(_ context.Context, a *Assessment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.patients[a.PatientID]; !ok {
		return ErrPatientNotFound
	}
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	a.CreatedAt = time.Now().UTC()
	cp := *a
	m.assessments[a.ID] = &cp
	return nil
}

func (m *MemoryRepository) GetByID(_ context.Context, id uuid.UUID) (*Assessment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.assessments[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *MemoryRepository) PatientSummary(_ context.Context, patientID uuid.UUID) (*PatientSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.patients[patientID]
	if !ok {
		return nil, ErrPatientNotFound
	}
	cp := *p
	return &cp, nil
}
