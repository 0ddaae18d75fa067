package account

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"geopresence/internal/auth"
	"geopresence/internal/store"
)

var (
	// ErrEmailTaken is returned when an admin email is already registered.
	ErrEmailTaken = errors.New("email already registered")
	// ErrStudentExists is returned when a student's index number or email is taken.
	ErrStudentExists = errors.New("student already exists")
)

// Repository persists admins, students and refresh tokens in Postgres.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// CreateAdmin inserts an admin and fills its id.
func (r *Repository) CreateAdmin(ctx context.Context, a *Admin) error {
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO admins (full_name, email, password_hash)
		VALUES ($1, $2, $3)
		RETURNING id, created_at
	`, a.FullName, a.Email, a.PasswordHash).Scan(&a.ID, &a.CreatedAt)
	if store.IsUniqueViolation(err) {
		return ErrEmailTaken
	}
	return err
}

// AdminByEmail returns an admin, or nil when absent.
func (r *Repository) AdminByEmail(ctx context.Context, email string) (*Admin, error) {
	return r.admin(ctx, `SELECT id, full_name, email, password_hash, created_at FROM admins WHERE email = $1`, email)
}

// AdminByID returns an admin, or nil when absent.
func (r *Repository) AdminByID(ctx context.Context, id int64) (*Admin, error) {
	return r.admin(ctx, `SELECT id, full_name, email, password_hash, created_at FROM admins WHERE id = $1`, id)
}

func (r *Repository) admin(ctx context.Context, query string, arg any) (*Admin, error) {
	var a Admin
	if err := r.db.QueryRowContext(ctx, query, arg).Scan(&a.ID, &a.FullName, &a.Email, &a.PasswordHash, &a.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &a, nil
}

// CreateStudent inserts a student and fills its id.
func (r *Repository) CreateStudent(ctx context.Context, s *Student) error {
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO students (index_number, full_name, email)
		VALUES ($1, $2, $3)
		RETURNING id, created_at
	`, s.IndexNumber, s.FullName, s.Email).Scan(&s.ID, &s.CreatedAt)
	if store.IsUniqueViolation(err) {
		return ErrStudentExists
	}
	return err
}

// StudentByID returns a student, or nil when absent.
func (r *Repository) StudentByID(ctx context.Context, id int64) (*Student, error) {
	return r.student(ctx, `SELECT id, index_number, full_name, email, created_at FROM students WHERE id = $1`, id)
}

// StudentByIndexAndEmail returns the student matching both identifiers, or nil.
func (r *Repository) StudentByIndexAndEmail(ctx context.Context, indexNumber, email string) (*Student, error) {
	return r.student(ctx, `
		SELECT id, index_number, full_name, email, created_at
		FROM students WHERE index_number = $1 AND email = $2
	`, indexNumber, email)
}

func (r *Repository) student(ctx context.Context, query string, args ...any) (*Student, error) {
	var s Student
	if err := r.db.QueryRowContext(ctx, query, args...).Scan(&s.ID, &s.IndexNumber, &s.FullName, &s.Email, &s.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &s, nil
}

// SaveRefreshToken records an issued refresh token id.
func (r *Repository) SaveRefreshToken(ctx context.Context, jti string, p auth.Principal, expiresAt time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO refresh_tokens (jti, principal_kind, principal_id, expires_at)
		VALUES ($1, $2, $3, $4)
	`, jti, string(p.Kind), p.ID, expiresAt)
	return err
}

// ConsumeRefreshToken revokes a live refresh token and reports whether it was live.
func (r *Repository) ConsumeRefreshToken(ctx context.Context, jti string, p auth.Principal, now time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE refresh_tokens SET revoked = TRUE
		WHERE jti = $1 AND principal_kind = $2 AND principal_id = $3 AND NOT revoked AND expires_at > $4
	`, jti, string(p.Kind), p.ID, now)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// RevokeRefreshToken marks a token revoked.
func (r *Repository) RevokeRefreshToken(ctx context.Context, jti string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE refresh_tokens SET revoked = TRUE WHERE jti = $1`, jti)
	return err
}

// PurgeRefreshTokens deletes tokens that expired before now.
func (r *Repository) PurgeRefreshTokens(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM refresh_tokens WHERE expires_at < $1`, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
