package attendance

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"geopresence/internal/store"
)

// Repository persists attendance in Postgres.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// Exists reports whether the student already has a row for the session.
func (r *Repository) Exists(ctx context.Context, studentID, sessionID int64) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM attendance WHERE student_id = $1 AND session_id = $2)
	`, studentID, sessionID).Scan(&exists)
	return exists, err
}

// Insert records an admission in its own transaction. A concurrent duplicate surfaces as ErrDuplicate.
func (r *Repository) Insert(ctx context.Context, rec *Record) error {
	return store.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `
			INSERT INTO attendance (created_at, student_id, session_id, student_latitude, student_longitude, status)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING id
		`, rec.CreatedAt, rec.StudentID, rec.SessionID, rec.Latitude, rec.Longitude, rec.Status).Scan(&rec.ID)
		if store.IsUniqueViolation(err, "unique_student_session") {
			return ErrDuplicate
		}
		return err
	})
}

// Get returns a record by id, or nil when absent.
func (r *Repository) Get(ctx context.Context, id int64) (*Record, error) {
	var rec Record
	err := r.db.QueryRowContext(ctx, `
		SELECT id, student_id, session_id, created_at, student_latitude, student_longitude, status
		FROM attendance WHERE id = $1
	`, id).Scan(&rec.ID, &rec.StudentID, &rec.SessionID, &rec.CreatedAt, &rec.Latitude, &rec.Longitude, &rec.Status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}

const entrySelect = `
	SELECT a.id, a.student_id, a.session_id, a.created_at, a.student_latitude, a.student_longitude, a.status,
		st.index_number, st.full_name, s.code, s.course_id, COALESCE(c.course_code, '')
	FROM attendance a
	JOIN students st ON st.id = a.student_id
	JOIN session_codes s ON s.id = a.session_id
	LEFT JOIN courses c ON c.id = s.course_id`

// List returns entries matching f, newest first.
func (r *Repository) List(ctx context.Context, f Filter) ([]Entry, error) {
	clauses, args := filterClauses(f, nil, nil)
	return r.query(ctx, clauses, args)
}

// ListForAdmin returns entries matching f within courses the admin owns or represents as an approved rep.
func (r *Repository) ListForAdmin(ctx context.Context, adminID int64, f Filter) ([]Entry, error) {
	clauses := []string{`(c.lecturer_id = $1 OR EXISTS (
		SELECT 1 FROM course_rep_access ra
		WHERE ra.course_id = c.id AND ra.rep_id = $1 AND ra.approved_by_lecturer))`}
	clauses, args := filterClauses(f, clauses, []any{adminID})
	return r.query(ctx, clauses, args)
}

func filterClauses(f Filter, clauses []string, args []any) ([]string, []any) {
	add := func(expr string, v any) {
		args = append(args, v)
		clauses = append(clauses, fmt.Sprintf(expr, len(args)))
	}
	if f.CourseID > 0 {
		add("s.course_id = $%d", f.CourseID)
	}
	if f.SessionID > 0 {
		add("a.session_id = $%d", f.SessionID)
	}
	if f.StudentID > 0 {
		add("a.student_id = $%d", f.StudentID)
	}
	if f.IndexNumber != "" {
		add("st.index_number = $%d", f.IndexNumber)
	}
	if !f.From.IsZero() {
		add("a.created_at >= $%d", f.From)
	}
	if !f.To.IsZero() {
		add("a.created_at <= $%d", f.To)
	}
	return clauses, args
}

func (r *Repository) query(ctx context.Context, clauses []string, args []any) ([]Entry, error) {
	q := entrySelect
	if len(clauses) > 0 {
		q += " WHERE " + strings.Join(clauses, " AND ")
	}
	q += " ORDER BY a.created_at DESC, a.id DESC"

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Entry
	for rows.Next() {
		var (
			e        Entry
			courseID sql.NullInt64
		)
		if err := rows.Scan(&e.ID, &e.StudentID, &e.SessionID, &e.CreatedAt, &e.Latitude, &e.Longitude, &e.Status,
			&e.IndexNumber, &e.FullName, &e.SessionCode, &courseID, &e.CourseCode); err != nil {
			return nil, err
		}
		if courseID.Valid {
			id := courseID.Int64
			e.CourseID = &id
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// Delete removes a record.
func (r *Repository) Delete(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM attendance WHERE id = $1`, id)
	return err
}

// DeleteBySession removes every record of a session.
func (r *Repository) DeleteBySession(ctx context.Context, sessionID int64) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM attendance WHERE session_id = $1`, sessionID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// accessibleCourses selects the ids of courses an admin owns or holds an approved rep grant for.
// The admin id is bound to the placeholder numbered by the format argument.
const accessibleCourses = `
	SELECT c.id FROM courses c WHERE c.lecturer_id = $%[1]d
	UNION
	SELECT ra.course_id FROM course_rep_access ra WHERE ra.rep_id = $%[1]d AND ra.approved_by_lecturer`

// Summary counts what the admin can see across owned courses and approved rep grants.
func (r *Repository) Summary(ctx context.Context, adminID int64) (Summary, error) {
	var s Summary
	err := r.db.QueryRowContext(ctx, `
		WITH accessible AS (`+fmt.Sprintf(accessibleCourses, 1)+`)
		SELECT
			(SELECT COUNT(*) FROM accessible),
			(SELECT COUNT(*) FROM session_codes s WHERE s.course_id IN (SELECT id FROM accessible)),
			(SELECT COUNT(*) FROM attendance a JOIN session_codes s ON s.id = a.session_id
				WHERE s.course_id IN (SELECT id FROM accessible)),
			(SELECT COUNT(DISTINCT a.student_id) FROM attendance a JOIN session_codes s ON s.id = a.session_id
				WHERE s.course_id IN (SELECT id FROM accessible))
	`, adminID).Scan(&s.Courses, &s.Sessions, &s.AttendanceRecords, &s.StudentsMarked)
	return s, err
}

// Trend counts admissions per UTC day since the given instant, either for one course or, when
// courseID is zero, across the admin's accessible courses.
func (r *Repository) Trend(ctx context.Context, adminID, courseID int64, since time.Time) ([]DailyCount, error) {
	scope := `s.course_id = $2`
	arg := courseID
	if courseID == 0 {
		scope = `s.course_id IN (` + fmt.Sprintf(accessibleCourses, 2) + `)`
		arg = adminID
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT to_char((a.created_at AT TIME ZONE 'UTC')::date, 'YYYY-MM-DD') AS day, COUNT(*)
		FROM attendance a
		JOIN session_codes s ON s.id = a.session_id
		WHERE a.created_at >= $1 AND `+scope+`
		GROUP BY day
		ORDER BY day`, since, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []DailyCount
	for rows.Next() {
		var d DailyCount
		if err := rows.Scan(&d.Date, &d.AttendanceCount); err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

// CourseCounts counts a course's sessions, admissions and distinct students. Name fields are left empty.
func (r *Repository) CourseCounts(ctx context.Context, courseID int64) (CourseSummary, error) {
	cs := CourseSummary{CourseID: courseID}
	err := r.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM session_codes WHERE course_id = $1),
			(SELECT COUNT(*) FROM attendance a JOIN session_codes s ON s.id = a.session_id WHERE s.course_id = $1),
			(SELECT COUNT(DISTINCT a.student_id) FROM attendance a JOIN session_codes s ON s.id = a.session_id
				WHERE s.course_id = $1)
	`, courseID).Scan(&cs.SessionsCount, &cs.TotalAttendance, &cs.StudentsMarked)
	return cs, err
}

// TopStudents ranks a course's students by admissions, ties broken by index number.
func (r *Repository) TopStudents(ctx context.Context, courseID int64, limit int) ([]StudentCount, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT a.student_id, st.index_number, st.full_name, COUNT(*) AS attended
		FROM attendance a
		JOIN session_codes s ON s.id = a.session_id
		JOIN students st ON st.id = a.student_id
		WHERE s.course_id = $1
		GROUP BY a.student_id, st.index_number, st.full_name
		ORDER BY attended DESC, st.index_number ASC
		LIMIT $2`, courseID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []StudentCount
	for rows.Next() {
		var sc StudentCount
		if err := rows.Scan(&sc.StudentID, &sc.IndexNumber, &sc.FullName, &sc.AttendanceCount); err != nil {
			return nil, err
		}
		res = append(res, sc)
	}
	return res, rows.Err()
}

// GeoRecords returns each admission in a course with its session's geofence, newest first.
// Distance fields are left for the caller.
func (r *Repository) GeoRecords(ctx context.Context, courseID int64) ([]GeoInsight, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT a.id, s.id, s.latitude, s.longitude, s.geo_radius, a.student_latitude, a.student_longitude
		FROM attendance a
		JOIN session_codes s ON s.id = a.session_id
		WHERE s.course_id = $1
		ORDER BY a.created_at DESC, a.id DESC`, courseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []GeoInsight
	for rows.Next() {
		var (
			g        GeoInsight
			lat, lon sql.NullFloat64
		)
		if err := rows.Scan(&g.AttendanceID, &g.SessionID, &g.SessionLocation.Latitude, &g.SessionLocation.Longitude,
			&g.Radius, &lat, &lon); err != nil {
			return nil, err
		}
		if lat.Valid && lon.Valid {
			g.StudentLocation = &Position{Latitude: lat.Float64, Longitude: lon.Float64}
		}
		res = append(res, g)
	}
	return res, rows.Err()
}
