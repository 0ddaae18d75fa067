package attendance

import (
	"context"
	"encoding/csv"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"geopresence/internal/apperror"
	"geopresence/internal/auth"
	"geopresence/internal/course"
	"geopresence/internal/geo"
	"geopresence/internal/session"
)

// Store is the persistence behind attendance management.
type Store interface {
	Get(ctx context.Context, id int64) (*Record, error)
	List(ctx context.Context, f Filter) ([]Entry, error)
	ListForAdmin(ctx context.Context, adminID int64, f Filter) ([]Entry, error)
	Delete(ctx context.Context, id int64) error
	DeleteBySession(ctx context.Context, sessionID int64) (int64, error)
	Summary(ctx context.Context, adminID int64) (Summary, error)
	Trend(ctx context.Context, adminID, courseID int64, since time.Time) ([]DailyCount, error)
	CourseCounts(ctx context.Context, courseID int64) (CourseSummary, error)
	TopStudents(ctx context.Context, courseID int64, limit int) ([]StudentCount, error)
	GeoRecords(ctx context.Context, courseID int64) ([]GeoInsight, error)
}

// SessionAccess authorizes a principal against a session code.
type SessionAccess interface {
	Authorize(ctx context.Context, p auth.Principal, id int64, allowReps bool) (session.Code, error)
}

// CourseAccess authorizes a principal against a course.
type CourseAccess interface {
	Course(ctx context.Context, p auth.Principal, courseID int64, allowReps bool) (course.Course, error)
}

// Service lists, exports and deletes attendance for lecturers, reps and students.
type Service struct {
	store    Store
	sessions SessionAccess
	courses  CourseAccess
	now      func() time.Time
	log      *slog.Logger
}

// NewService creates a management service.
func NewService(store Store, sessions SessionAccess, courses CourseAccess, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		store:    store,
		sessions: sessions,
		courses:  courses,
		now:      time.Now,
		log:      log.With("component", "attendance"),
	}
}

// BySession lists a session's attendance.
func (s *Service) BySession(ctx context.Context, p auth.Principal, sessionID int64) ([]Entry, error) {
	if _, err := s.sessions.Authorize(ctx, p, sessionID, true); err != nil {
		return nil, err
	}
	return s.list(ctx, Filter{SessionID: sessionID})
}

// ByCourse lists attendance across a course's sessions, newest first.
func (s *Service) ByCourse(ctx context.Context, p auth.Principal, courseID int64) ([]Entry, error) {
	if _, err := s.courses.Course(ctx, p, courseID, true); err != nil {
		return nil, err
	}
	return s.list(ctx, Filter{CourseID: courseID})
}

// ByStudent lists a student's attendance within the admin's courses.
func (s *Service) ByStudent(ctx context.Context, p auth.Principal, indexNumber string) ([]Entry, error) {
	indexNumber = strings.TrimSpace(indexNumber)
	if indexNumber == "" {
		return nil, apperror.InvalidInput("index_number is required")
	}
	return s.Search(ctx, p, Filter{IndexNumber: indexNumber})
}

// Search lists attendance within the admin's courses matching f.
func (s *Service) Search(ctx context.Context, p auth.Principal, f Filter) ([]Entry, error) {
	if !p.IsAdmin() {
		return nil, apperror.Forbidden("Access denied")
	}
	entries, err := s.store.ListForAdmin(ctx, p.ID, f)
	if err != nil {
		return nil, apperror.Fatal("failed to list attendance", err)
	}
	return entries, nil
}

// ForStudent lists the calling student's own attendance.
func (s *Service) ForStudent(ctx context.Context, p auth.Principal) ([]Entry, error) {
	if !p.IsStudent() {
		return nil, apperror.Forbidden("Access denied")
	}
	return s.list(ctx, Filter{StudentID: p.ID})
}

// Delete removes one record and returns it; course owners and session creators only.
func (s *Service) Delete(ctx context.Context, p auth.Principal, id int64) (Record, error) {
	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return Record{}, apperror.Fatal("failed to load attendance", err)
	}
	if rec == nil {
		return Record{}, apperror.NotFound("Attendance record not found")
	}
	if _, err := s.sessions.Authorize(ctx, p, rec.SessionID, false); err != nil {
		return Record{}, err
	}
	if err := s.store.Delete(ctx, id); err != nil {
		return Record{}, apperror.Fatal("failed to delete attendance", err)
	}
	s.log.Info("attendance deleted", "attendance_id", id, "admin_id", p.ID)
	return *rec, nil
}

// DeleteBySession removes all of a session's records and returns how many were deleted.
func (s *Service) DeleteBySession(ctx context.Context, p auth.Principal, sessionID int64) (int64, error) {
	if _, err := s.sessions.Authorize(ctx, p, sessionID, false); err != nil {
		return 0, err
	}
	n, err := s.store.DeleteBySession(ctx, sessionID)
	if err != nil {
		return 0, apperror.Fatal("failed to delete attendance", err)
	}
	s.log.Info("session attendance deleted", "session_id", sessionID, "count", n, "admin_id", p.ID)
	return n, nil
}

// Summary counts courses, sessions and attendance visible to the admin.
func (s *Service) Summary(ctx context.Context, p auth.Principal) (Summary, error) {
	if !p.IsAdmin() {
		return Summary{}, apperror.Forbidden("Access denied")
	}
	sum, err := s.store.Summary(ctx, p.ID)
	if err != nil {
		return Summary{}, apperror.Fatal("failed to load dashboard summary", err)
	}
	return sum, nil
}

// Defaults and bounds for the dashboard analytics.
const (
	DefaultTrendDays   = 7
	MaxTrendDays       = 365
	DefaultTopStudents = 10
	MaxTopStudents     = 100
)

// Trend counts daily admissions across the admin's courses over the last days days.
func (s *Service) Trend(ctx context.Context, p auth.Principal, days int) ([]DailyCount, error) {
	if !p.IsAdmin() {
		return nil, apperror.Forbidden("Access denied")
	}
	if days < 1 || days > MaxTrendDays {
		return nil, apperror.InvalidInput("days must be between 1 and 365")
	}
	return s.trend(ctx, p.ID, 0, days)
}

func (s *Service) trend(ctx context.Context, adminID, courseID int64, days int) ([]DailyCount, error) {
	since := s.now().UTC().AddDate(0, 0, -days)
	trend, err := s.store.Trend(ctx, adminID, courseID, since)
	if err != nil {
		return nil, apperror.Fatal("failed to load attendance trend", err)
	}
	return trend, nil
}

// CourseSummary counts one course's sessions, admissions and distinct students.
func (s *Service) CourseSummary(ctx context.Context, p auth.Principal, courseID int64) (CourseSummary, error) {
	c, err := s.courses.Course(ctx, p, courseID, true)
	if err != nil {
		return CourseSummary{}, err
	}
	return s.courseSummary(ctx, c)
}

func (s *Service) courseSummary(ctx context.Context, c course.Course) (CourseSummary, error) {
	cs, err := s.store.CourseCounts(ctx, c.ID)
	if err != nil {
		return CourseSummary{}, apperror.Fatal("failed to load course summary", err)
	}
	cs.CourseID = c.ID
	cs.CourseName = c.Name
	return cs, nil
}

// TopStudents ranks a course's students by how many sessions they attended.
func (s *Service) TopStudents(ctx context.Context, p auth.Principal, courseID int64, limit int) ([]StudentCount, error) {
	if limit < 1 || limit > MaxTopStudents {
		return nil, apperror.InvalidInput("limit must be between 1 and 100")
	}
	if _, err := s.courses.Course(ctx, p, courseID, true); err != nil {
		return nil, err
	}
	return s.topStudents(ctx, courseID, limit)
}

func (s *Service) topStudents(ctx context.Context, courseID int64, limit int) ([]StudentCount, error) {
	top, err := s.store.TopStudents(ctx, courseID, limit)
	if err != nil {
		return nil, apperror.Fatal("failed to load top students", err)
	}
	return top, nil
}

// GeoInsights places each of a course's admissions relative to its session geofence.
func (s *Service) GeoInsights(ctx context.Context, p auth.Principal, courseID int64) ([]GeoInsight, error) {
	if _, err := s.courses.Course(ctx, p, courseID, true); err != nil {
		return nil, err
	}
	return s.geoInsights(ctx, courseID)
}

func (s *Service) geoInsights(ctx context.Context, courseID int64) ([]GeoInsight, error) {
	records, err := s.store.GeoRecords(ctx, courseID)
	if err != nil {
		return nil, apperror.Fatal("failed to load geo insights", err)
	}
	for i := range records {
		g := &records[i]
		if g.StudentLocation == nil {
			continue
		}
		d := geo.Round2(geo.Distance(
			geo.Point{Latitude: g.SessionLocation.Latitude, Longitude: g.SessionLocation.Longitude},
			geo.Point{Latitude: g.StudentLocation.Latitude, Longitude: g.StudentLocation.Longitude},
		))
		within := geo.WithinRadius(d, g.Radius)
		g.Distance, g.WithinRadius = &d, &within
	}
	return records, nil
}

// CourseDashboard combines a course's summary, last week's trend, top students and geo insights.
func (s *Service) CourseDashboard(ctx context.Context, p auth.Principal, courseID int64) (CourseDashboard, error) {
	c, err := s.courses.Course(ctx, p, courseID, true)
	if err != nil {
		return CourseDashboard{}, err
	}
	var d CourseDashboard
	if d.Summary, err = s.courseSummary(ctx, c); err != nil {
		return CourseDashboard{}, err
	}
	if d.AttendanceTrend, err = s.trend(ctx, p.ID, c.ID, DefaultTrendDays); err != nil {
		return CourseDashboard{}, err
	}
	if d.TopStudents, err = s.topStudents(ctx, c.ID, DefaultTopStudents); err != nil {
		return CourseDashboard{}, err
	}
	if d.GeoInsights, err = s.geoInsights(ctx, c.ID); err != nil {
		return CourseDashboard{}, err
	}
	return d, nil
}

var exportHeader = []string{"Index Number", "Full Name", "Course Code", "Session Code", "Session ID", "Timestamp", "Status"}

// Export writes the admin's attendance as CSV, optionally restricted to one course.
func (s *Service) Export(ctx context.Context, p auth.Principal, courseID int64, w io.Writer) error {
	if courseID > 0 {
		if _, err := s.courses.Course(ctx, p, courseID, true); err != nil {
			return err
		}
	}
	entries, err := s.Search(ctx, p, Filter{CourseID: courseID})
	if err != nil {
		return err
	}
	cw := csv.NewWriter(w)
	if err := cw.Write(exportHeader); err != nil {
		return apperror.Fatal("failed to write export", err)
	}
	for _, e := range entries {
		row := []string{
			e.IndexNumber,
			e.FullName,
			e.CourseCode,
			e.SessionCode,
			strconv.FormatInt(e.SessionID, 10),
			e.CreatedAt.UTC().Format(time.RFC3339),
			e.Status,
		}
		if err := cw.Write(row); err != nil {
			return apperror.Fatal("failed to write export", err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return apperror.Fatal("failed to write export", err)
	}
	return nil
}

func (s *Service) list(ctx context.Context, f Filter) ([]Entry, error) {
	entries, err := s.store.List(ctx, f)
	if err != nil {
		return nil, apperror.Fatal("failed to list attendance", err)
	}
	return entries, nil
}
