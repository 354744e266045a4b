package goal

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/goalplan/internal/platform/db"
)

type goalRepoPG struct{ pool *pgxpool.Pool }

func NewGoalRepoPG(pool *pgxpool.Pool) GoalRepository {
	return &goalRepoPG{pool: pool}
}

func (r *goalRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const goalCols = `id, parent_id, patient_id, created_by, goal_type, sequence_number,
	title, description, purpose, start_date, end_date, status, progress,
	is_active, is_ai_suggested, source_recommendation_id, created_at, updated_at`

func (r *goalRepoPG) scanGoal(row pgx.Row) (*GoalNode, error) {
	var g GoalNode
	err := row.Scan(&g.ID, &g.ParentID, &g.PatientID, &g.CreatedBy, &g.Type, &g.Sequence,
		&g.Title, &g.Description, &g.Purpose, &g.StartDate, &g.EndDate, &g.Status, &g.Progress,
		&g.IsActive, &g.IsAISuggested, &g.SourceRecommendationID, &g.CreatedAt, &g.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &g, nil
}

func (r *goalRepoPG) Insert(ctx context.Context, g *GoalNode) error {
	if g.ID == uuid.Nil {
		g.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO goals (id, parent_id, patient_id, created_by, goal_type, sequence_number,
			title, description, purpose, start_date, end_date, status, progress,
			is_active, is_ai_suggested, source_recommendation_id, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)`,
		g.ID, g.ParentID, g.PatientID, g.CreatedBy, g.Type, g.Sequence,
		g.Title, g.Description, g.Purpose, g.StartDate, g.EndDate, g.Status, g.Progress,
		g.IsActive, g.IsAISuggested, g.SourceRecommendationID, g.CreatedAt, g.UpdatedAt)
	return err
}

func (r *goalRepoPG) DeactivateActive(ctx context.Context, patientID uuid.UUID) (int64, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE goals SET is_active = FALSE, updated_at = NOW()
		WHERE patient_id = $1 AND is_active AND status <> 'completed'`, patientID)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (r *goalRepoPG) ActiveRoot(ctx context.Context, patientID uuid.UUID) (*GoalNode, error) {
	root, err := r.scanGoal(r.conn(ctx).QueryRow(ctx, `
		SELECT `+goalCols+` FROM goals
		WHERE patient_id = $1 AND goal_type = 'six_month' AND is_active AND status <> 'completed'
		ORDER BY created_at DESC LIMIT 1`, patientID))
	if err != nil {
		return nil, err
	}
	return r.loadChildren(ctx, root)
}

func (r *goalRepoPG) GetTree(ctx context.Context, id uuid.UUID) (*GoalNode, error) {
	root, err := r.scanGoal(r.conn(ctx).QueryRow(ctx, `SELECT `+goalCols+` FROM goals WHERE id = $1`, id))
	if err != nil {
		return nil, err
	}
	return r.loadChildren(ctx, root)
}

// loadChildren fetches every descendant of root in one recursive query and
// links them by parent id.
func (r *goalRepoPG) loadChildren(ctx context.Context, root *GoalNode) (*GoalNode, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		WITH RECURSIVE tree AS (
			SELECT * FROM goals WHERE parent_id = $1
			UNION ALL
			SELECT g.* FROM goals g JOIN tree t ON g.parent_id = t.id
		)
		SELECT `+goalCols+` FROM tree ORDER BY sequence_number`, root.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	byID := map[uuid.UUID]*GoalNode{root.ID: root}
	var all []*GoalNode
	for rows.Next() {
		g, err := r.scanGoal(rows)
		if err != nil {
			return nil, err
		}
		byID[g.ID] = g
		all = append(all, g)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, g := range all {
		if g.ParentID == nil {
			continue
		}
		if parent, ok := byID[*g.ParentID]; ok {
			parent.Children = append(parent.Children, g)
		}
	}
	return root, nil
}

func (r *goalRepoPG) ListRoots(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*GoalNode, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM goals WHERE patient_id = $1 AND goal_type = 'six_month'`, patientID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+goalCols+` FROM goals WHERE patient_id = $1 AND goal_type = 'six_month'
		ORDER BY created_at DESC LIMIT $2 OFFSET $3`, patientID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*GoalNode
	for rows.Next() {
		g, err := r.scanGoal(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, g)
	}
	return items, total, rows.Err()
}

func (r *goalRepoPG) UpdateSchedule(ctx context.Context, g *GoalNode) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE goals SET start_date = $2, end_date = $3, sequence_number = $4, updated_at = NOW()
		WHERE id = $1`, g.ID, g.StartDate, g.EndDate, g.Sequence)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

type patientStatusPG struct{ pool *pgxpool.Pool }

func NewPatientStatusPG(pool *pgxpool.Pool) PatientStatusWriter {
	return &patientStatusPG{pool: pool}
}

func (r *patientStatusPG) SetGoalTrackingStatus(ctx context.Context, patientID uuid.UUID, status string) error {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx,
		`UPDATE patients SET goal_tracking_status = $2, updated_at = NOW() WHERE id = $1`, patientID, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
