package goal

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// failingGoals fails the Nth insert.
type failingGoals struct {
	*MemoryRepository
	failAt  int
	inserts int
}

func (f *failingGoals) Insert(ctx context.Context, g *GoalNode) error {
	f.inserts++
	if f.inserts == f.failAt {
		return errors.New("disk full")
	}
	return f.MemoryRepository.Insert(ctx, g)
}

type failingStatus struct{}

func (failingStatus) SetGoalTrackingStatus(context.Context, uuid.UUID, string) error {
	return errors.New("patient row locked")
}

var fixedNow = time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)

func newTestPersister(repo *MemoryRepository, opts ...PersisterOption) *Persister {
	opts = append([]PersisterOption{WithClock(func() time.Time { return fixedNow })}, opts...)
	return NewPersister(repo, repo, repo, zerolog.Nop(), opts...)
}

func TestReplace_PersistsTree(t *testing.T) {
	repo := NewMemoryRepository()
	p := newTestPersister(repo)
	pid := uuid.New()
	built := buildTree([MonthsPerPlan]int{4, 0, 4, 0, 0, 0}, "2025-01-01", pid)

	saved, err := p.Replace(context.Background(), pid, built)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if built.ID != uuid.Nil {
		t.Error("input tree must not be modified")
	}
	if saved.ID == uuid.Nil || saved.ParentID != nil {
		t.Errorf("root id %s parent %v", saved.ID, saved.ParentID)
	}
	for _, m := range saved.Children {
		if m.ParentID == nil || *m.ParentID != saved.ID {
			t.Errorf("month %d not linked to root", m.Sequence)
		}
		for _, w := range m.Children {
			if w.ParentID == nil || *w.ParentID != m.ID {
				t.Errorf("week %d of month %d not linked", w.Sequence, m.Sequence)
			}
		}
	}
	if !saved.CreatedAt.Equal(fixedNow) {
		t.Errorf("expected created_at %v, got %v", fixedNow, saved.CreatedAt)
	}

	loaded, err := repo.ActiveRoot(context.Background(), pid)
	if err != nil {
		t.Fatalf("active root: %v", err)
	}
	if loaded.ID != saved.ID || loaded.Count() != saved.Count() {
		t.Errorf("loaded tree %s (%d nodes) differs from saved %s (%d nodes)",
			loaded.ID, loaded.Count(), saved.ID, saved.Count())
	}
	if got := repo.GoalTrackingStatus(pid); got != PatientTrackingActive {
		t.Errorf("expected tracking status active, got %q", got)
	}
}

func TestReplace_DeactivatesPreviousTree(t *testing.T) {
	repo := NewMemoryRepository()
	p := newTestPersister(repo)
	pid := uuid.New()
	ctx := context.Background()

	first, err := p.Replace(ctx, pid, buildTree([MonthsPerPlan]int{2, 0, 0, 0, 0, 0}, "2025-01-01", pid))
	if err != nil {
		t.Fatalf("first replace: %v", err)
	}
	doneWeek := first.Children[0].Children[0]
	repo.goals[doneWeek.ID].Status = StatusCompleted

	second, err := p.Replace(ctx, pid, buildTree([MonthsPerPlan]int{}, "2025-03-01", pid))
	if err != nil {
		t.Fatalf("second replace: %v", err)
	}
	if n := repo.ActiveRootCount(pid); n != 1 {
		t.Fatalf("expected exactly one active tree, got %d", n)
	}
	active, _ := repo.ActiveRoot(ctx, pid)
	if active.ID != second.ID {
		t.Errorf("expected newest tree to be active")
	}

	old, err := repo.GetTree(ctx, first.ID)
	if err != nil {
		t.Fatalf("old tree must not be deleted: %v", err)
	}
	if old.IsActive {
		t.Error("old root should be deactivated")
	}
	if !old.Children[0].Children[0].IsActive {
		t.Error("completed node should keep is_active")
	}
	if old.Children[0].Children[1].IsActive {
		t.Error("pending node of the old tree should be deactivated")
	}
}

func TestReplace_InsertFailureKeepsPreviousTree(t *testing.T) {
	repo := NewMemoryRepository()
	pid := uuid.New()
	ctx := context.Background()
	seed, err := newTestPersister(repo).Replace(ctx, pid, buildTree([MonthsPerPlan]int{}, "2025-01-01", pid))
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	goals := &failingGoals{MemoryRepository: repo, failAt: 3}
	p := NewPersister(goals, repo, repo, zerolog.Nop())
	_, err = p.Replace(ctx, pid, buildTree([MonthsPerPlan]int{1, 1, 1, 1, 1, 1}, "2025-02-01", pid))

	var pe *PersistenceError
	if !errors.As(err, &pe) {
		t.Fatalf("expected PersistenceError, got %v", err)
	}
	if pe.Step != StepInsert || pe.PatientID != pid {
		t.Errorf("unexpected error fields: %+v", pe)
	}
	if n := repo.ActiveRootCount(pid); n != 1 {
		t.Fatalf("found %d active trees after a failed replace", n)
	}
	active, err := repo.ActiveRoot(ctx, pid)
	if err != nil || active.ID != seed.ID {
		t.Errorf("expected the previous tree to stay active, got %v, %v", active, err)
	}
	if got := len(repo.goals); got != seed.Count() {
		t.Errorf("expected partial insert rolled back, %d goals stored", got)
	}
}

func TestReplace_StatusFailure(t *testing.T) {
	repo := NewMemoryRepository()
	pid := uuid.New()
	p := NewPersister(repo, failingStatus{}, repo, zerolog.Nop())

	_, err := p.Replace(context.Background(), pid, buildTree([MonthsPerPlan]int{}, "2025-01-01", pid))
	var pe *PersistenceError
	if !errors.As(err, &pe) || pe.Step != StepActivatePatient {
		t.Fatalf("expected activate_patient failure, got %v", err)
	}
}

func TestReplace_RejectsInvalidTree(t *testing.T) {
	repo := NewMemoryRepository()
	p := newTestPersister(repo)
	pid := uuid.New()

	bad := buildTree([MonthsPerPlan]int{}, "2025-01-01", pid)
	bad.Children = bad.Children[:5]
	_, err := p.Replace(context.Background(), pid, bad)
	var pe *PersistenceError
	if !errors.As(err, &pe) || pe.Step != StepValidate {
		t.Fatalf("expected validate failure, got %v", err)
	}
	if !errors.Is(err, ErrInvalidTree) {
		t.Error("expected ErrInvalidTree to be wrapped")
	}

	other := buildTree([MonthsPerPlan]int{}, "2025-01-01", uuid.New())
	if _, err := p.Replace(context.Background(), pid, other); !errors.As(err, &pe) || pe.Step != StepValidate {
		t.Errorf("expected patient mismatch to fail validation, got %v", err)
	}
	if len(repo.goals) != 0 {
		t.Errorf("expected nothing written, found %d goals", len(repo.goals))
	}
}

func TestReplace_TakesPatientLock(t *testing.T) {
	repo := NewMemoryRepository()
	pid := uuid.New()
	var keys []string
	p := newTestPersister(repo, WithLock(func(_ context.Context, key string) error {
		keys = append(keys, key)
		return nil
	}))
	if _, err := p.Replace(context.Background(), pid, buildTree([MonthsPerPlan]int{}, "2025-01-01", pid)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(keys) != 1 || keys[0] != "goals:"+pid.String() {
		t.Errorf("unexpected lock keys %v", keys)
	}

	p = newTestPersister(repo, WithLock(func(context.Context, string) error { return errors.New("lock timeout") }))
	_, err := p.Replace(context.Background(), pid, buildTree([MonthsPerPlan]int{}, "2025-01-01", pid))
	var pe *PersistenceError
	if !errors.As(err, &pe) || pe.Step != StepLock {
		t.Errorf("expected lock failure, got %v", err)
	}
}

func TestReplace_ConcurrentSamePatient(t *testing.T) {
	repo := NewMemoryRepository()
	p := newTestPersister(repo)
	pid := uuid.New()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := p.Replace(context.Background(), pid, buildTree([MonthsPerPlan]int{1, 0, 0, 0, 0, 0}, "2025-01-01", pid)); err != nil {
				t.Errorf("replace: %v", err)
			}
		}()
	}
	wg.Wait()

	if n := repo.ActiveRootCount(pid); n != 1 {
		t.Errorf("expected one active tree, got %d", n)
	}
	if p.locks.size() != 0 {
		t.Errorf("expected lock table to drain, %d entries left", p.locks.size())
	}
}
