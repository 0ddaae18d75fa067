package session

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"geopresence/internal/apperror"
	"geopresence/internal/auth"
	"geopresence/internal/course"
	"geopresence/internal/geo"
	"geopresence/internal/metrics"
)

// Sweep policies.
const (
	SweepUnattended = "unattended"
	SweepAll        = "all"
)

const (
	defaultDurationMinutes = 10
	maxInsertAttempts      = 5
)

var (
	// ErrDuplicateCode is returned by Store inserts that hit the code unique constraint.
	ErrDuplicateCode = errors.New("session code already exists")
	// ErrActiveSession is returned by InsertForCourse when the course already has an active code.
	ErrActiveSession = errors.New("course has an active session")
	// ErrDuplicateLocation is returned when a location code is taken.
	ErrDuplicateLocation = errors.New("location code already exists")
)

// Store is the persistence the manager needs.
type Store interface {
	CodeChecker
	Insert(ctx context.Context, c *Code) error
	InsertForCourse(ctx context.Context, c *Code, now time.Time) error
	HasActiveForCourse(ctx context.Context, courseID int64, now time.Time) (bool, error)
	Get(ctx context.Context, id int64) (*Code, error)
	FindByCode(ctx context.Context, code string) (*Code, error)
	ListByAdmin(ctx context.Context, adminID int64) ([]Code, error)
	ListByCourse(ctx context.Context, courseID int64) ([]Code, error)
	Delete(ctx context.Context, id int64) error
	DeleteExpired(ctx context.Context, now time.Time, policy string) (int64, error)
	InsertLocation(ctx context.Context, l *Location) error
	LocationByCode(ctx context.Context, code string) (*Location, error)
	ListLocations(ctx context.Context) ([]Location, error)
	DeleteLocation(ctx context.Context, id int64) (bool, error)
}

// CourseAccess resolves a course the principal may manage.
type CourseAccess interface {
	Course(ctx context.Context, p auth.Principal, courseID int64, allowReps bool) (course.Course, error)
}

// Config tunes a Manager.
type Config struct {
	SweepPolicy   string
	DefaultRadius float64
	Now           func() time.Time
	Logger        *slog.Logger
}

// Manager owns session code creation, lookup and expiry reconciliation.
type Manager struct {
	store    Store
	courses  CourseAccess
	registry *Registry
	policy   string
	radius   float64
	now      func() time.Time
	log      *slog.Logger
}

// NewManager creates a manager.
func NewManager(store Store, courses CourseAccess, cfg Config) *Manager {
	if cfg.SweepPolicy != SweepAll {
		cfg.SweepPolicy = SweepUnattended
	}
	if cfg.DefaultRadius <= 0 {
		cfg.DefaultRadius = 3.0
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Manager{
		store:    store,
		courses:  courses,
		registry: NewRegistry(store),
		policy:   cfg.SweepPolicy,
		radius:   cfg.DefaultRadius,
		now:      cfg.Now,
		log:      cfg.Logger.With("component", "session"),
	}
}

// Now returns the manager's clock reading in UTC.
func (m *Manager) Now() time.Time {
	return m.now().UTC()
}

// Reconcile purges expired codes per the sweep policy. Running it again immediately deletes nothing.
func (m *Manager) Reconcile(ctx context.Context) (int64, error) {
	n, err := m.store.DeleteExpired(ctx, m.Now(), m.policy)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		metrics.SweptSessions.Add(float64(n))
		m.log.Info("expired sessions purged", "count", n, "policy", m.policy)
	}
	return n, nil
}

// FindByCode returns the code row, or nil when unknown.
func (m *Manager) FindByCode(ctx context.Context, code string) (*Code, error) {
	return m.store.FindByCode(ctx, code)
}

// CoordinatesInput creates a session from raw coordinates.
type CoordinatesInput struct {
	CourseID        int64
	Latitude        *float64
	Longitude       *float64
	Radius          *float64
	DurationMinutes *int
}

// CreateFromCoordinates creates an 8-character code at the given point for a course the admin owns.
func (m *Manager) CreateFromCoordinates(ctx context.Context, p auth.Principal, in CoordinatesInput) (Code, error) {
	m.reconcileBestEffort(ctx)

	radius := m.radius
	if in.Radius != nil {
		radius = *in.Radius
	}
	duration := defaultDurationMinutes
	if in.DurationMinutes != nil {
		duration = *in.DurationMinutes
	}
	if radius <= 0 || duration <= 0 {
		return Code{}, apperror.InvalidInput("Invalid radius or duration")
	}
	if in.Latitude == nil || in.Longitude == nil || in.CourseID <= 0 {
		return Code{}, apperror.InvalidInput("latitude, longitude and course_id are required")
	}
	point := geo.Point{Latitude: *in.Latitude, Longitude: *in.Longitude}
	if !point.Valid() {
		return Code{}, apperror.InvalidInput("Invalid latitude or longitude")
	}
	c, err := m.courses.Course(ctx, p, in.CourseID, false)
	if err != nil {
		return Code{}, err
	}

	now := m.Now()
	courseID := c.ID
	code := Code{
		CreatedAt: now,
		ExpiresAt: now.Add(time.Duration(duration) * time.Minute),
		Latitude:  point.Latitude,
		Longitude: point.Longitude,
		Radius:    radius,
		AdminID:   p.ID,
		CourseID:  &courseID,
	}
	if err := m.insert(ctx, &code, LongCodeLength, func(c *Code) error { return m.store.Insert(ctx, c) }); err != nil {
		return Code{}, err
	}
	metrics.SessionsCreated.WithLabelValues("coordinates").Inc()
	m.log.Info("session created", "session_id", code.ID, "course_id", courseID, "admin_id", p.ID)
	return code, nil
}

// LocationInput creates a session from a registered location code.
type LocationInput struct {
	CourseID     int64
	LocationCode string
	ExpiresAt    string
}

// CreateFromLocation creates a 6-character code at a registered location. A course may have only one
// active session at a time.
func (m *Manager) CreateFromLocation(ctx context.Context, p auth.Principal, in LocationInput) (Code, error) {
	m.reconcileBestEffort(ctx)

	locCode := strings.TrimSpace(in.LocationCode)
	rawExpiry := strings.TrimSpace(in.ExpiresAt)
	if in.CourseID <= 0 || locCode == "" || rawExpiry == "" {
		return Code{}, apperror.InvalidInput("course_id, location_code, and expires_at are required")
	}
	c, err := m.courses.Course(ctx, p, in.CourseID, false)
	if err != nil {
		return Code{}, err
	}

	now := m.Now()
	active, err := m.store.HasActiveForCourse(ctx, c.ID, now)
	if err != nil {
		return Code{}, apperror.Fatal("failed to check active sessions", err)
	}
	if active {
		return Code{}, apperror.Conflict("An active session already exists for this course")
	}

	loc, err := m.store.LocationByCode(ctx, locCode)
	if err != nil {
		return Code{}, apperror.Fatal("failed to load location", err)
	}
	if loc == nil {
		return Code{}, apperror.NotFound("Invalid location code")
	}

	expiresAt, err := ParseExpiry(rawExpiry)
	if err != nil {
		return Code{}, apperror.InvalidInput("Invalid expires_at format")
	}
	if !expiresAt.After(now) {
		return Code{}, apperror.InvalidInput("expires_at must be in the future")
	}

	courseID := c.ID
	code := Code{
		CreatedAt: now,
		ExpiresAt: expiresAt,
		Latitude:  loc.Latitude,
		Longitude: loc.Longitude,
		Radius:    loc.Radius,
		AdminID:   p.ID,
		CourseID:  &courseID,
	}
	err = m.insert(ctx, &code, ShortCodeLength, func(c *Code) error { return m.store.InsertForCourse(ctx, c, now) })
	if errors.Is(err, ErrActiveSession) {
		return Code{}, apperror.Conflict("An active session already exists for this course")
	}
	if err != nil {
		return Code{}, err
	}
	metrics.SessionsCreated.WithLabelValues("location").Inc()
	m.log.Info("session created", "session_id", code.ID, "course_id", courseID, "location", loc.Code, "admin_id", p.ID)
	return code, nil
}

// insert generates a code and stores it, regenerating when a concurrent writer took the same code.
func (m *Manager) insert(ctx context.Context, c *Code, length int, write func(*Code) error) error {
	for attempt := 1; attempt <= maxInsertAttempts; attempt++ {
		code, err := m.registry.Generate(ctx, length)
		if err != nil {
			if errors.Is(err, ErrCodeSpaceExhausted) {
				return apperror.Conflict("Could not allocate a unique session code")
			}
			return apperror.Fatal("failed to generate session code", err)
		}
		c.Code = code
		err = write(c)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrActiveSession) {
			return err
		}
		if !errors.Is(err, ErrDuplicateCode) {
			return apperror.Fatal("failed to create session", err)
		}
		m.log.Warn("session code collision, regenerating", "attempt", attempt)
	}
	return apperror.Conflict("Could not allocate a unique session code")
}

// Get returns a session visible to its creator, the course owner or an approved rep.
func (m *Manager) Get(ctx context.Context, p auth.Principal, id int64) (Code, error) {
	m.reconcileBestEffort(ctx)
	return m.load(ctx, p, id, true)
}

// ListMine returns the codes the admin created, newest first.
func (m *Manager) ListMine(ctx context.Context, p auth.Principal) ([]Code, error) {
	if !p.IsAdmin() {
		return nil, apperror.Forbidden("Access denied")
	}
	m.reconcileBestEffort(ctx)
	codes, err := m.store.ListByAdmin(ctx, p.ID)
	if err != nil {
		return nil, apperror.Fatal("failed to list sessions", err)
	}
	return codes, nil
}

// ListForCourse returns a course's codes ordered by expiry, latest first.
func (m *Manager) ListForCourse(ctx context.Context, p auth.Principal, courseID int64) ([]Code, error) {
	m.reconcileBestEffort(ctx)
	if _, err := m.courses.Course(ctx, p, courseID, true); err != nil {
		return nil, err
	}
	codes, err := m.store.ListByCourse(ctx, courseID)
	if err != nil {
		return nil, apperror.Fatal("failed to list sessions", err)
	}
	return codes, nil
}

// Delete removes a code and its attendance; course owners and creators only.
func (m *Manager) Delete(ctx context.Context, p auth.Principal, id int64) error {
	if _, err := m.load(ctx, p, id, false); err != nil {
		return err
	}
	if err := m.store.Delete(ctx, id); err != nil {
		return apperror.Fatal("failed to delete session", err)
	}
	m.log.Info("session deleted", "session_id", id, "admin_id", p.ID)
	return nil
}

// Authorize loads a session and checks the principal may manage it.
func (m *Manager) Authorize(ctx context.Context, p auth.Principal, id int64, allowReps bool) (Code, error) {
	return m.load(ctx, p, id, allowReps)
}

func (m *Manager) load(ctx context.Context, p auth.Principal, id int64, allowReps bool) (Code, error) {
	if !p.IsAdmin() {
		return Code{}, apperror.Forbidden("Access denied")
	}
	code, err := m.store.Get(ctx, id)
	if err != nil {
		return Code{}, apperror.Fatal("failed to load session", err)
	}
	if code == nil {
		return Code{}, apperror.NotFound("Session not found")
	}
	if code.AdminID == p.ID {
		return *code, nil
	}
	if code.CourseID == nil {
		return Code{}, apperror.Forbidden("Access denied")
	}
	if _, err := m.courses.Course(ctx, p, *code.CourseID, allowReps); err != nil {
		return Code{}, err
	}
	return *code, nil
}

// LocationCreateInput registers a reference location.
type LocationCreateInput struct {
	Code      string
	Latitude  float64
	Longitude float64
	Radius    float64
}

// CreateLocation registers a named location; admins only.
func (m *Manager) CreateLocation(ctx context.Context, p auth.Principal, in LocationCreateInput) (Location, error) {
	if !p.IsAdmin() {
		return Location{}, apperror.Forbidden("Access denied")
	}
	code := strings.ToUpper(strings.TrimSpace(in.Code))
	if code == "" || len(code) > 10 {
		return Location{}, apperror.InvalidInput("location_code is required and at most 10 characters")
	}
	if !(geo.Point{Latitude: in.Latitude, Longitude: in.Longitude}).Valid() {
		return Location{}, apperror.InvalidInput("Invalid latitude or longitude")
	}
	radius := in.Radius
	if radius == 0 {
		radius = m.radius
	}
	if radius < 0 {
		return Location{}, apperror.InvalidInput("radius must be positive")
	}
	loc := Location{Code: code, Latitude: in.Latitude, Longitude: in.Longitude, Radius: radius}
	if err := m.store.InsertLocation(ctx, &loc); err != nil {
		if errors.Is(err, ErrDuplicateLocation) {
			return Location{}, apperror.Conflict("Location code already exists")
		}
		return Location{}, apperror.Fatal("failed to create location", err)
	}
	return loc, nil
}

// ListLocations returns every registered location; admins only.
func (m *Manager) ListLocations(ctx context.Context, p auth.Principal) ([]Location, error) {
	if !p.IsAdmin() {
		return nil, apperror.Forbidden("Access denied")
	}
	locs, err := m.store.ListLocations(ctx)
	if err != nil {
		return nil, apperror.Fatal("failed to list locations", err)
	}
	return locs, nil
}

// DeleteLocation removes a registered location. Sessions already created there keep their copied coordinates.
func (m *Manager) DeleteLocation(ctx context.Context, p auth.Principal, id int64) error {
	if !p.IsAdmin() {
		return apperror.Forbidden("Access denied")
	}
	ok, err := m.store.DeleteLocation(ctx, id)
	if err != nil {
		return apperror.Fatal("failed to delete location", err)
	}
	if !ok {
		return apperror.NotFound("Location not found")
	}
	m.log.Info("location deleted", "location_id", id, "admin_id", p.ID)
	return nil
}

func (m *Manager) reconcileBestEffort(ctx context.Context) {
	if _, err := m.Reconcile(ctx); err != nil {
		m.log.Warn("reconcile failed", "error", err)
	}
}

var expiryLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
}

// ParseExpiry accepts RFC3339 or a naive ISO-8601 timestamp, read as UTC.
func ParseExpiry(raw string) (time.Time, error) {
	var lastErr error
	for _, layout := range expiryLayouts {
		t, err := time.Parse(layout, raw)
		if err == nil {
			return t.UTC(), nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}
