package goal

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

func newTestService(t *testing.T) (*Service, *MemoryRepository, *GoalNode) {
	t.Helper()
	repo := NewMemoryRepository()
	pid := uuid.New()
	saved, err := newTestPersister(repo).Replace(context.Background(), pid,
		buildTree([MonthsPerPlan]int{4, 0, 4, 0, 0, 0}, "2025-01-01", pid))
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	return NewService(repo, repo, nil, zerolog.Nop()), repo, saved
}

func TestService_ActiveTree(t *testing.T) {
	svc, _, saved := newTestService(t)
	tree, err := svc.ActiveTree(context.Background(), saved.PatientID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tree.ID != saved.ID || len(tree.Children) != MonthsPerPlan {
		t.Errorf("unexpected tree %s with %d months", tree.ID, len(tree.Children))
	}
	if _, err := svc.ActiveTree(context.Background(), uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestService_History(t *testing.T) {
	svc, repo, saved := newTestService(t)
	pid := saved.PatientID
	if _, err := newTestPersister(repo).Replace(context.Background(), pid,
		buildTree([MonthsPerPlan]int{}, "2025-06-01", pid)); err != nil {
		t.Fatalf("replace: %v", err)
	}
	items, total, err := svc.History(context.Background(), pid, 1, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if total != 2 || len(items) != 1 {
		t.Errorf("expected 1 of 2 roots, got %d of %d", len(items), total)
	}
}

func TestService_EditStartDate_Full(t *testing.T) {
	svc, repo, saved := newTestService(t)
	ctx := context.Background()

	tree, res, err := svc.EditStartDate(ctx, saved.ID, day("2025-02-03"), ModeFull)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.StaleAnnotations {
		t.Error("expected stale annotations")
	}
	if !tree.StartDate.Equal(day("2025-02-03")) {
		t.Errorf("unexpected start %v", tree.StartDate)
	}

	reloaded, err := repo.GetTree(ctx, saved.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if err := Validate(reloaded); err != nil {
		t.Fatalf("stored tree invalid: %v", err)
	}
	if !reloaded.Children[5].EndDate.Equal(reloaded.EndDate) {
		t.Error("root end does not match last month after edit")
	}
	if !reloaded.Children[0].Children[3].StartDate.Equal(day("2025-02-24")) {
		t.Errorf("week 4 start not stored, got %v", reloaded.Children[0].Children[3].StartDate)
	}
}

func TestService_EditStartDate_Shallow(t *testing.T) {
	svc, repo, saved := newTestService(t)
	ctx := context.Background()

	_, res, err := svc.EditStartDate(ctx, saved.ID, day("2025-01-08"), ModeShallow)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Changed) != 1 {
		t.Errorf("expected one changed node, got %d", len(res.Changed))
	}
	reloaded, _ := repo.GetTree(ctx, saved.ID)
	if !reloaded.StartDate.Equal(day("2025-01-08")) || !reloaded.EndDate.Equal(day("2025-06-24")) {
		t.Errorf("unexpected root span %v..%v", reloaded.StartDate, reloaded.EndDate)
	}
	if !reloaded.Children[0].StartDate.Equal(day("2025-01-01")) {
		t.Error("months must not move in a shallow edit")
	}
}

func TestService_EditStartDate_Errors(t *testing.T) {
	svc, _, saved := newTestService(t)
	ctx := context.Background()

	if _, _, err := svc.EditStartDate(ctx, uuid.New(), day("2025-01-08"), ModeFull); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, _, err := svc.EditStartDate(ctx, saved.Children[0].ID, day("2025-01-08"), ModeFull); !errors.Is(err, ErrInvalidTree) {
		t.Errorf("expected ErrInvalidTree for a monthly goal, got %v", err)
	}
}

func TestService_EditStartDate_Lock(t *testing.T) {
	_, repo, saved := newTestService(t)
	var keys []string
	svc := NewService(repo, repo, func(_ context.Context, key string) error {
		keys = append(keys, key)
		return nil
	}, zerolog.Nop())
	if _, _, err := svc.EditStartDate(context.Background(), saved.ID, day("2025-01-02"), ModeFull); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(keys) != 1 || keys[0] != patientLockKey(saved.PatientID) {
		t.Errorf("unexpected lock keys %v", keys)
	}
}
