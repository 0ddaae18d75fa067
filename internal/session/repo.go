package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"geopresence/internal/store"
)

// Repository persists session and location codes in Postgres.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

const codeColumns = `id, code, created_at, expires_at, latitude, longitude, geo_radius, admin_id, course_id`

func scanCode(row interface{ Scan(...any) error }) (Code, error) {
	var (
		c        Code
		courseID sql.NullInt64
	)
	if err := row.Scan(&c.ID, &c.Code, &c.CreatedAt, &c.ExpiresAt, &c.Latitude, &c.Longitude, &c.Radius, &c.AdminID, &courseID); err != nil {
		return Code{}, err
	}
	if courseID.Valid {
		id := courseID.Int64
		c.CourseID = &id
	}
	return c, nil
}

// CodeExists reports whether a session code is persisted.
func (r *Repository) CodeExists(ctx context.Context, code string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM session_codes WHERE code = $1)`, code).Scan(&exists)
	return exists, err
}

type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func insertCode(ctx context.Context, q rowQuerier, c *Code) error {
	err := q.QueryRowContext(ctx, `
		INSERT INTO session_codes (code, created_at, expires_at, latitude, longitude, geo_radius, admin_id, course_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`, c.Code, c.CreatedAt, c.ExpiresAt, c.Latitude, c.Longitude, c.Radius, c.AdminID, c.CourseID).Scan(&c.ID)
	if store.IsUniqueViolation(err, "session_codes_code_key") {
		return ErrDuplicateCode
	}
	return err
}

// Insert stores a code and fills its id.
func (r *Repository) Insert(ctx context.Context, c *Code) error {
	return insertCode(ctx, r.db, c)
}

// InsertForCourse stores a code unless the course already has an active one. The course row is
// locked for the duration of the check so concurrent creations serialize.
func (r *Repository) InsertForCourse(ctx context.Context, c *Code, now time.Time) error {
	if c.CourseID == nil {
		return errors.New("course id required")
	}
	return store.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		var locked int64
		if err := tx.QueryRowContext(ctx, `SELECT id FROM courses WHERE id = $1 FOR UPDATE`, *c.CourseID).Scan(&locked); err != nil {
			return fmt.Errorf("lock course: %w", err)
		}
		var active bool
		err := tx.QueryRowContext(ctx, `
			SELECT EXISTS (SELECT 1 FROM session_codes WHERE course_id = $1 AND expires_at >= $2)
		`, *c.CourseID, now).Scan(&active)
		if err != nil {
			return err
		}
		if active {
			return ErrActiveSession
		}
		return insertCode(ctx, tx, c)
	})
}

// HasActiveForCourse reports whether the course has a code that has not expired at now.
func (r *Repository) HasActiveForCourse(ctx context.Context, courseID int64, now time.Time) (bool, error) {
	var active bool
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM session_codes WHERE course_id = $1 AND expires_at >= $2)
	`, courseID, now).Scan(&active)
	return active, err
}

// Get returns a code by id, or nil when absent.
func (r *Repository) Get(ctx context.Context, id int64) (*Code, error) {
	return r.getOne(ctx, `SELECT `+codeColumns+` FROM session_codes WHERE id = $1`, id)
}

// FindByCode returns a code by its string, or nil when absent.
func (r *Repository) FindByCode(ctx context.Context, code string) (*Code, error) {
	return r.getOne(ctx, `SELECT `+codeColumns+` FROM session_codes WHERE code = $1`, code)
}

func (r *Repository) getOne(ctx context.Context, query string, arg any) (*Code, error) {
	c, err := scanCode(r.db.QueryRowContext(ctx, query, arg))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &c, nil
}

// ListByAdmin returns codes created by the admin, newest first.
func (r *Repository) ListByAdmin(ctx context.Context, adminID int64) ([]Code, error) {
	return r.list(ctx, `SELECT `+codeColumns+` FROM session_codes WHERE admin_id = $1 ORDER BY created_at DESC`, adminID)
}

// ListByCourse returns the course's codes, latest expiry first.
func (r *Repository) ListByCourse(ctx context.Context, courseID int64) ([]Code, error) {
	return r.list(ctx, `SELECT `+codeColumns+` FROM session_codes WHERE course_id = $1 ORDER BY expires_at DESC`, courseID)
}

func (r *Repository) list(ctx context.Context, query string, args ...any) ([]Code, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Code
	for rows.Next() {
		c, err := scanCode(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// Delete removes a code; attendance cascades.
func (r *Repository) Delete(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM session_codes WHERE id = $1`, id)
	return err
}

// DeleteExpired removes codes that expired before now. Under the unattended policy codes with
// recorded attendance are kept.
func (r *Repository) DeleteExpired(ctx context.Context, now time.Time, policy string) (int64, error) {
	query := `DELETE FROM session_codes s WHERE s.expires_at < $1`
	if policy != SweepAll {
		query += ` AND NOT EXISTS (SELECT 1 FROM attendance a WHERE a.session_id = s.id)`
	}
	res, err := r.db.ExecContext(ctx, query, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// InsertLocation stores a location code and fills its id.
func (r *Repository) InsertLocation(ctx context.Context, l *Location) error {
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO location_codes (code, latitude, longitude, radius)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`, l.Code, l.Latitude, l.Longitude, l.Radius).Scan(&l.ID)
	if store.IsUniqueViolation(err, "location_codes_code_key") {
		return ErrDuplicateLocation
	}
	return err
}

// LocationByCode returns a location, or nil when absent.
func (r *Repository) LocationByCode(ctx context.Context, code string) (*Location, error) {
	var l Location
	err := r.db.QueryRowContext(ctx, `
		SELECT id, code, latitude, longitude, radius FROM location_codes WHERE code = $1
	`, code).Scan(&l.ID, &l.Code, &l.Latitude, &l.Longitude, &l.Radius)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &l, nil
}

// ListLocations returns all locations ordered by code.
func (r *Repository) ListLocations(ctx context.Context) ([]Location, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, code, latitude, longitude, radius FROM location_codes ORDER BY code`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Location
	for rows.Next() {
		var l Location
		if err := rows.Scan(&l.ID, &l.Code, &l.Latitude, &l.Longitude, &l.Radius); err != nil {
			return nil, err
		}
		res = append(res, l)
	}
	return res, rows.Err()
}

// DeleteLocation removes a location and reports whether it existed.
func (r *Repository) DeleteLocation(ctx context.Context, id int64) (bool, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM location_codes WHERE id = $1`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}
