package course

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"geopresence/internal/store"
)

// ErrDuplicateCode is returned when a course code is already taken.
var ErrDuplicateCode = errors.New("course code already exists")

// Repository persists courses in Postgres.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

const courseColumns = `id, course_code, course_name, department, semester, lecturer_id`

func scanCourse(row interface{ Scan(...any) error }) (Course, error) {
	var c Course
	err := row.Scan(&c.ID, &c.Code, &c.Name, &c.Department, &c.Semester, &c.LecturerID)
	return c, err
}

// Create inserts a course and fills its id.
func (r *Repository) Create(ctx context.Context, c *Course) error {
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO courses (course_code, course_name, department, semester, lecturer_id)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`, c.Code, c.Name, c.Department, c.Semester, c.LecturerID).Scan(&c.ID)
	if store.IsUniqueViolation(err, "courses_course_code_key") {
		return ErrDuplicateCode
	}
	return err
}

// Get returns a course by id, or nil when absent.
func (r *Repository) Get(ctx context.Context, id int64) (*Course, error) {
	c, err := scanCourse(r.db.QueryRowContext(ctx, `SELECT `+courseColumns+` FROM courses WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &c, nil
}

// Update writes mutable course fields.
func (r *Repository) Update(ctx context.Context, c Course) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE courses SET course_code = $2, course_name = $3, department = $4, semester = $5
		WHERE id = $1
	`, c.ID, c.Code, c.Name, c.Department, c.Semester)
	if store.IsUniqueViolation(err, "courses_course_code_key") {
		return ErrDuplicateCode
	}
	return err
}

// Delete removes a course; sessions and attendance cascade.
func (r *Repository) Delete(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM courses WHERE id = $1`, id)
	return err
}

// ListAccessible returns courses the admin owns or holds an approved rep grant for, filtered by a
// case-insensitive search.
func (r *Repository) ListAccessible(ctx context.Context, adminID int64, search string) ([]Course, error) {
	query := `
		SELECT DISTINCT c.id, c.course_code, c.course_name, c.department, c.semester, c.lecturer_id
		FROM courses c
		LEFT JOIN course_rep_access r ON r.course_id = c.id AND r.approved_by_lecturer
		WHERE (c.lecturer_id = $1 OR r.rep_id = $1)`
	args := []any{adminID}
	if s := strings.TrimSpace(search); s != "" {
		query += ` AND (LOWER(c.course_code) LIKE $2 OR LOWER(c.course_name) LIKE $2)`
		args = append(args, "%"+strings.ToLower(s)+"%")
	}
	query += ` ORDER BY c.course_name ASC`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Course
	for rows.Next() {
		c, err := scanCourse(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// RepAccess returns the grant for (rep, course), or nil when absent.
func (r *Repository) RepAccess(ctx context.Context, repID, courseID int64) (*RepAccess, error) {
	var a RepAccess
	err := r.db.QueryRowContext(ctx, `
		SELECT id, rep_id, course_id, approved_by_lecturer
		FROM course_rep_access WHERE rep_id = $1 AND course_id = $2
	`, repID, courseID).Scan(&a.ID, &a.RepID, &a.CourseID, &a.Approved)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &a, nil
}

// GrantRep records a pending rep grant; granting twice is a no-op.
func (r *Repository) GrantRep(ctx context.Context, repID, courseID int64) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO course_rep_access (rep_id, course_id)
		VALUES ($1, $2)
		ON CONFLICT (rep_id, course_id) DO NOTHING
	`, repID, courseID)
	if store.IsForeignKeyViolation(err) {
		return fmt.Errorf("grant rep: %w", sql.ErrNoRows)
	}
	return err
}

// ApproveRep marks a grant approved and reports whether one existed.
func (r *Repository) ApproveRep(ctx context.Context, repID, courseID int64) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE course_rep_access SET approved_by_lecturer = TRUE
		WHERE rep_id = $1 AND course_id = $2
	`, repID, courseID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}
