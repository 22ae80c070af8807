package directory

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"

	"schoolops/internal/model"
	"schoolops/internal/store"
)

//go:embed schema.sql
var schema string

// Postgres reads the collaborator tables that live in the same database.
type Postgres struct {
	db store.DBTX
}

func NewPostgres(db store.DBTX) *Postgres {
	return &Postgres{db: db}
}

// Migrate creates the collaborator tables for local setups where the owning
// services have not done so.
func (p *Postgres) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, schema)
	return err
}

func (p *Postgres) ResolveIdentity(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", model.ErrIdentityNotFound
	}
	var userID string
	err := p.db.QueryRowContext(ctx, `
		SELECT user_id FROM rfid_cards WHERE card_uid = $1 AND NOT revoked
		UNION ALL
		SELECT user_id FROM users WHERE user_id = $1
		LIMIT 1
	`, token).Scan(&userID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("token %q: %w", token, model.ErrIdentityNotFound)
	}
	return userID, err
}

func (p *Postgres) Profile(ctx context.Context, userID string) (model.Profile, error) {
	var prof model.Profile
	var role string
	var classID sql.NullString
	err := p.db.QueryRowContext(ctx, `
		SELECT user_id, role, display_name, class_id FROM users WHERE user_id = $1
	`, userID).Scan(&prof.UserID, &role, &prof.DisplayName, &classID)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Profile{}, fmt.Errorf("user %q: %w", userID, model.ErrNotFound)
	}
	if err != nil {
		return model.Profile{}, err
	}
	prof.Role = model.Role(role)
	prof.ClassID = classID.String
	return prof, nil
}

func (p *Postgres) StudentsOf(ctx context.Context, classID string) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT user_id FROM users WHERE class_id = $1 AND role = 'student' ORDER BY user_id
	`, classID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (p *Postgres) DetachClass(ctx context.Context, classID string) (int64, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE users SET class_id = NULL WHERE class_id = $1 AND role = 'student'
	`, classID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

var nameQueries = map[Kind]string{
	KindClass:     `SELECT name FROM classes WHERE class_id = $1`,
	KindSubject:   `SELECT name FROM subjects WHERE subject_id = $1`,
	KindClassroom: `SELECT name FROM classrooms WHERE classroom_id = $1`,
	KindSemester:  `SELECT name FROM semesters WHERE semester_id = $1`,
	KindTeacher:   `SELECT display_name FROM users WHERE user_id = $1 AND role = 'teacher'`,
}

func (p *Postgres) Name(ctx context.Context, kind Kind, id string) (string, error) {
	q, ok := nameQueries[kind]
	if !ok {
		return "", fmt.Errorf("%w: unknown kind %q", model.ErrInvalidArgument, kind)
	}
	var name string
	err := p.db.QueryRowContext(ctx, q, id).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%s %q: %w", kind, id, model.ErrNotFound)
	}
	return name, err
}
