// internal/store/applications.go
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"apptrack-sync/internal/models"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

type ApplicationStore struct {
	db *sql.DB
}

const applicationColumns = `
	id, student_id, university_id, application_type, status,
	deadline, submitted_date, decision_date, decision_type, notes,
	created_at, updated_at`

func scanApplication(row interface{ Scan(...interface{}) error }) (*models.Application, error) {
	var app models.Application
	var deadline, submitted, decision sql.NullTime
	var decisionType, notes sql.NullString

	err := row.Scan(
		&app.ID, &app.StudentID, &app.UniversityID, &app.ApplicationType, &app.Status,
		&deadline, &submitted, &decision, &decisionType, &notes,
		&app.CreatedAt, &app.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if deadline.Valid {
		app.Deadline = &deadline.Time
	}
	if submitted.Valid {
		app.SubmittedDate = &submitted.Time
	}
	if decision.Valid {
		app.DecisionDate = &decision.Time
	}
	if decisionType.Valid {
		dt := models.DecisionType(decisionType.String)
		app.DecisionType = &dt
	}
	if notes.Valid {
		app.Notes = notes.String
	}
	return &app, nil
}

func (s *ApplicationStore) GetByID(ctx context.Context, id string) (*models.Application, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+applicationColumns+`
		FROM applications WHERE id = $1`, id)

	app, err := scanApplication(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get application: %w", err)
	}
	return app, nil
}

// ListByStudent returns a student's applications, optionally filtered to an
// explicit id list.
func (s *ApplicationStore) ListByStudent(ctx context.Context, studentID string, ids []string) ([]*models.Application, error) {
	query := `
		SELECT ` + applicationColumns + `
		FROM applications WHERE student_id = $1`
	args := []interface{}{studentID}

	if len(ids) > 0 {
		query += ` AND id = ANY($2)`
		args = append(args, pq.Array(ids))
	}
	query += ` ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list applications: %w", err)
	}
	defer rows.Close()

	var apps []*models.Application
	for rows.Next() {
		app, err := scanApplication(rows)
		if err != nil {
			return nil, fmt.Errorf("scan application: %w", err)
		}
		apps = append(apps, app)
	}
	return apps, rows.Err()
}

func (s *ApplicationStore) Create(ctx context.Context, app *models.Application) error {
	if app.ID == "" {
		app.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	app.CreatedAt = now
	app.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO applications (
			id, student_id, university_id, application_type, status,
			deadline, submitted_date, decision_date, decision_type, notes,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)`,
		app.ID, app.StudentID, app.UniversityID, app.ApplicationType, app.Status,
		nullTime(app.Deadline), nullTime(app.SubmittedDate), nullTime(app.DecisionDate),
		nullDecision(app.DecisionType), app.Notes, now,
	)
	if err != nil {
		return fmt.Errorf("insert application: %w", err)
	}
	return nil
}

func (s *ApplicationStore) Update(ctx context.Context, app *models.Application) error {
	app.UpdatedAt = time.Now().UTC()

	res, err := s.db.ExecContext(ctx, `
		UPDATE applications SET
			status = $2, deadline = $3, submitted_date = $4,
			decision_date = $5, decision_type = $6, notes = $7, updated_at = $8
		WHERE id = $1`,
		app.ID, app.Status, nullTime(app.Deadline), nullTime(app.SubmittedDate),
		nullTime(app.DecisionDate), nullDecision(app.DecisionType), app.Notes, app.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update application: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// AppendStatusHistory records one status transition.
func (s *ApplicationStore) AppendStatusHistory(ctx context.Context, entry *models.StatusHistoryEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	entry.CreatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO application_status_history (id, application_id, from_status, to_status, changed_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		entry.ID, entry.ApplicationID, entry.FromStatus, entry.ToStatus, entry.ChangedBy, entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert status history: %w", err)
	}
	return nil
}

// ListRequirements returns an application's requirements.
func (s *ApplicationStore) ListRequirements(ctx context.Context, applicationID string) ([]*models.Requirement, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, application_id, type, title, completed, completed_at, updated_at
		FROM application_requirements WHERE application_id = $1`, applicationID)
	if err != nil {
		return nil, fmt.Errorf("list requirements: %w", err)
	}
	defer rows.Close()

	var reqs []*models.Requirement
	for rows.Next() {
		var r models.Requirement
		var completedAt sql.NullTime
		if err := rows.Scan(&r.ID, &r.ApplicationID, &r.Type, &r.Title, &r.Completed, &completedAt, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan requirement: %w", err)
		}
		if completedAt.Valid {
			r.CompletedAt = &completedAt.Time
		}
		reqs = append(reqs, &r)
	}
	return reqs, rows.Err()
}

// CompleteRequirement marks the first incomplete requirement of the given
// type completed. Reports ErrNotFound when none matches.
func (s *ApplicationStore) CompleteRequirement(ctx context.Context, applicationID string, reqType models.RequirementType) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE application_requirements SET completed = TRUE, completed_at = $3, updated_at = $3
		WHERE id = (
			SELECT id FROM application_requirements
			WHERE application_id = $1 AND type = $2 AND completed = FALSE
			ORDER BY updated_at LIMIT 1
		)`,
		applicationID, reqType, now,
	)
	if err != nil {
		return fmt.Errorf("complete requirement: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullDecision(d *models.DecisionType) sql.NullString {
	if d == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(*d), Valid: true}
}
