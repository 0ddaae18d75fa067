package attendance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	"geopresence/internal/account"
	"geopresence/internal/apperror"
	"geopresence/internal/geo"
	"geopresence/internal/metrics"
	"geopresence/internal/queue"
	"geopresence/internal/session"
)

// ErrDuplicate is returned by Store.Insert when (student, session) already has a row.
var ErrDuplicate = errors.New("attendance already recorded")

// Sessions is the session lifecycle the engine depends on.
type Sessions interface {
	Reconcile(ctx context.Context) (int64, error)
	FindByCode(ctx context.Context, code string) (*session.Code, error)
}

// Students resolves the submitting student.
type Students interface {
	StudentByID(ctx context.Context, id int64) (*account.Student, error)
	StudentByIndexAndEmail(ctx context.Context, indexNumber, email string) (*account.Student, error)
}

// Recorder reads and writes attendance rows for admissions.
type Recorder interface {
	Exists(ctx context.Context, studentID, sessionID int64) (bool, error)
	Insert(ctx context.Context, r *Record) error
}

// Publisher receives events for admitted attendance.
type Publisher interface {
	Publish(ctx context.Context, msg queue.Message) error
}

// StudentRef identifies the submitter either by id (token holders) or by index number and email.
type StudentRef struct {
	ID          int64
	IndexNumber string
	Email       string
}

func (r StudentRef) present() bool {
	if r.ID > 0 {
		return true
	}
	return strings.TrimSpace(r.IndexNumber) != "" && strings.TrimSpace(r.Email) != ""
}

// MarkRequest is a raw attendance submission. Coordinates are kept as submitted.
type MarkRequest struct {
	Code      string
	Student   StudentRef
	Latitude  string
	Longitude string
}

// Admission is an accepted submission.
type Admission struct {
	AttendanceID int64     `json:"attendance_id"`
	SessionID    int64     `json:"session_id"`
	StudentID    int64     `json:"student_id"`
	Distance     float64   `json:"distance"`
	MarkedAt     time.Time `json:"marked_at"`
}

// Engine runs the admission decision.
type Engine struct {
	sessions  Sessions
	students  Students
	records   Recorder
	publisher Publisher
	now       func() time.Time
	log       *slog.Logger
}

// NewEngine creates an engine. publisher may be nil.
func NewEngine(sessions Sessions, students Students, records Recorder, publisher Publisher, now func() time.Time, log *slog.Logger) *Engine {
	if now == nil {
		now = time.Now
	}
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		sessions:  sessions,
		students:  students,
		records:   records,
		publisher: publisher,
		now:       now,
		log:       log.With("component", "admission"),
	}
}

// Mark decides a submission. Checks run in a fixed order and the first failure wins:
// coordinates, required fields, code, expiry, student, duplicate, distance.
func (e *Engine) Mark(ctx context.Context, req MarkRequest) (Admission, error) {
	if _, err := e.sessions.Reconcile(ctx); err != nil {
		e.log.Warn("reconcile before admission failed", "error", err)
	}

	point, ok := parsePoint(req.Latitude, req.Longitude)
	if !ok {
		return e.reject(metrics.OutcomeInvalid, apperror.InvalidInput("Invalid latitude or longitude"))
	}
	code := strings.TrimSpace(req.Code)
	if code == "" || !req.Student.present() {
		return e.reject(metrics.OutcomeInvalid, apperror.InvalidInput("All fields are required"))
	}

	sess, err := e.sessions.FindByCode(ctx, code)
	if err != nil {
		return e.reject(metrics.OutcomeStorageError, apperror.Fatal("failed to load session", err))
	}
	if sess == nil {
		return e.reject(metrics.OutcomeUnknownCode, apperror.NotFound("Invalid session code"))
	}
	now := e.now().UTC()
	if sess.Expired(now) {
		return e.reject(metrics.OutcomeExpired, apperror.Expired("Session code has expired"))
	}

	student, err := e.resolveStudent(ctx, req.Student)
	if err != nil {
		return e.reject(metrics.OutcomeStorageError, apperror.Fatal("failed to load student", err))
	}
	if student == nil {
		return e.reject(metrics.OutcomeNoStudent, apperror.NotFound("Student not found"))
	}

	exists, err := e.records.Exists(ctx, student.ID, sess.ID)
	if err != nil {
		return e.reject(metrics.OutcomeStorageError, apperror.Fatal("failed to check attendance", err))
	}
	if exists {
		return e.reject(metrics.OutcomeDuplicate, duplicateError())
	}

	distance := geo.Round2(geo.Distance(point, sess.Point()))
	metrics.AdmissionDistance.Observe(distance)
	if !geo.WithinRadius(distance, sess.Radius) {
		return e.reject(metrics.OutcomeOutOfRange,
			apperror.OutOfRange(fmt.Sprintf("Outside allowed location (distance: %.2fm)", distance)))
	}

	lat, lon := point.Latitude, point.Longitude
	rec := Record{
		StudentID: student.ID,
		SessionID: sess.ID,
		CreatedAt: now,
		Latitude:  &lat,
		Longitude: &lon,
		Status:    StatusPresent,
	}
	if err := e.records.Insert(ctx, &rec); err != nil {
		if errors.Is(err, ErrDuplicate) {
			return e.reject(metrics.OutcomeDuplicate, duplicateError())
		}
		return e.reject(metrics.OutcomeStorageError, apperror.Fatal("failed to record attendance", err))
	}

	metrics.Admissions.WithLabelValues(metrics.OutcomeAccepted).Inc()
	adm := Admission{
		AttendanceID: rec.ID,
		SessionID:    sess.ID,
		StudentID:    student.ID,
		Distance:     distance,
		MarkedAt:     rec.CreatedAt,
	}
	e.log.Info("attendance admitted", "session_id", sess.ID, "student_id", student.ID, "distance", distance)
	e.publish(ctx, adm, sess.CourseID)
	return adm, nil
}

func (e *Engine) resolveStudent(ctx context.Context, ref StudentRef) (*account.Student, error) {
	if ref.ID > 0 {
		return e.students.StudentByID(ctx, ref.ID)
	}
	return e.students.StudentByIndexAndEmail(ctx, strings.TrimSpace(ref.IndexNumber), strings.TrimSpace(ref.Email))
}

func (e *Engine) reject(outcome string, err *apperror.Error) (Admission, error) {
	metrics.Admissions.WithLabelValues(outcome).Inc()
	if err.Kind == apperror.KindFatal {
		e.log.Error("admission failed", "error", err)
	}
	return Admission{}, err
}

func (e *Engine) publish(ctx context.Context, adm Admission, courseID *int64) {
	if e.publisher == nil {
		return
	}
	msg, err := queue.AttendanceMarked{
		AttendanceID: adm.AttendanceID,
		SessionID:    adm.SessionID,
		StudentID:    adm.StudentID,
		CourseID:     courseID,
		Distance:     adm.Distance,
		MarkedAt:     adm.MarkedAt,
	}.Message()
	if err == nil {
		err = e.publisher.Publish(ctx, msg)
	}
	if err != nil {
		e.log.Warn("publish attendance event failed", "attendance_id", adm.AttendanceID, "error", err)
	}
}

func duplicateError() *apperror.Error {
	return apperror.Conflict("Attendance already marked for this session")
}

func parsePoint(rawLat, rawLon string) (geo.Point, bool) {
	lat, err := parseCoordinate(rawLat)
	if err != nil {
		return geo.Point{}, false
	}
	lon, err := parseCoordinate(rawLon)
	if err != nil {
		return geo.Point{}, false
	}
	p := geo.Point{Latitude: lat, Longitude: lon}
	return p, p.Valid()
}

func parseCoordinate(raw string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, errors.New("coordinate is not finite")
	}
	return v, nil
}
