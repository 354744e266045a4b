package goal

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// MemoryRepository keeps goals and patient tracking status in process. It
// satisfies GoalRepository, PatientStatusWriter and TxRunner. Transactions run
// one at a time and restore a snapshot when fn fails; writes made outside a
// transaction while one is running may be lost by that restore.
type MemoryRepository struct {
	txMu     sync.Mutex
	mu       sync.Mutex
	goals    map[uuid.UUID]*GoalNode
	order    []uuid.UUID
	patients map[uuid.UUID]string
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		goals:    make(map[uuid.UUID]*GoalNode),
		patients: make(map[uuid.UUID]string),
	}
}

type memTxKey struct{}

func (m *MemoryRepository) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(memTxKey{}) != nil {
		return fn(ctx)
	}
	m.txMu.Lock()
	defer m.txMu.Unlock()

	m.mu.Lock()
	goals := make(map[uuid.UUID]*GoalNode, len(m.goals))
	for id, g := range m.goals {
		goals[id] = g.Clone()
	}
	order := append([]uuid.UUID(nil), m.order...)
	patients := make(map[uuid.UUID]string, len(m.patients))
	for id, s := range m.patients {
		patients[id] = s
	}
	m.mu.Unlock()

	if err := fn(context.WithValue(ctx, memTxKey{}, true)); err != nil {
		m.mu.Lock()
		m.goals, m.order, m.patients = goals, order, patients
		m.mu.Unlock()
		return err
	}
	return nil
}

func (m *MemoryRepository) Insert(_ context.Context, g *GoalNode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if g.ID == uuid.Nil {
		g.ID = uuid.New()
	}
	row := g.Clone()
	row.Children = nil
	if _, ok := m.goals[row.ID]; !ok {
		m.order = append(m.order, row.ID)
	}
	m.goals[row.ID] = row
	return nil
}

func (m *MemoryRepository) DeactivateActive(_ context.Context, patientID uuid.UUID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, g := range m.goals {
		if g.PatientID == patientID && g.IsActive && !g.IsCompleted() {
			g.IsActive = false
			n++
		}
	}
	return n, nil
}

func (m *MemoryRepository) ActiveRoot(ctx context.Context, patientID uuid.UUID) (*GoalNode, error) {
	m.mu.Lock()
	var found *GoalNode
	for i := len(m.order) - 1; i >= 0; i-- {
		g := m.goals[m.order[i]]
		if g.PatientID == patientID && g.Type == TypeSixMonth && g.IsActive && !g.IsCompleted() {
			found = g
			break
		}
	}
	m.mu.Unlock()
	if found == nil {
		return nil, ErrNotFound
	}
	return m.GetTree(ctx, found.ID)
}

func (m *MemoryRepository) GetTree(_ context.Context, id uuid.UUID) (*GoalNode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.goals[id]
	if !ok {
		return nil, ErrNotFound
	}
	return m.assemble(row), nil
}

func (m *MemoryRepository) assemble(row *GoalNode) *GoalNode {
	n := row.Clone()
	for _, id := range m.order {
		c := m.goals[id]
		if c.ParentID != nil && *c.ParentID == row.ID {
			n.Children = append(n.Children, m.assemble(c))
		}
	}
	sortBySequence(n.Children)
	return n
}

func (m *MemoryRepository) ListRoots(_ context.Context, patientID uuid.UUID, limit, offset int) ([]*GoalNode, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var roots []*GoalNode
	for i := len(m.order) - 1; i >= 0; i-- {
		g := m.goals[m.order[i]]
		if g.PatientID == patientID && g.Type == TypeSixMonth {
			roots = append(roots, g.Clone())
		}
	}
	sort.SliceStable(roots, func(i, j int) bool { return roots[i].CreatedAt.After(roots[j].CreatedAt) })
	total := len(roots)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if limit <= 0 || end > total {
		end = total
	}
	return roots[offset:end], total, nil
}

func (m *MemoryRepository) UpdateSchedule(_ context.Context, g *GoalNode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.goals[g.ID]
	if !ok {
		return ErrNotFound
	}
	row.StartDate, row.EndDate, row.Sequence = g.StartDate, g.EndDate, g.Sequence
	row.UpdatedAt = g.UpdatedAt
	return nil
}

func (m *MemoryRepository) SetGoalTrackingStatus(_ context.Context, patientID uuid.UUID, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.patients[patientID] = status
	return nil
}

// GoalTrackingStatus returns the last status written for the patient.
func (m *MemoryRepository) GoalTrackingStatus(patientID uuid.UUID) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.patients[patientID]
}

// ActiveRootCount returns how many six-month goals of the patient are active.
func (m *MemoryRepository) ActiveRootCount(patientID uuid.UUID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, g := range m.goals {
		if g.PatientID == patientID && g.Type == TypeSixMonth && g.IsActive && !g.IsCompleted() {
			n++
		}
	}
	return n
}
