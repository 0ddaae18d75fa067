package handler

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"geopresence/internal/access"
	"geopresence/internal/account"
	"geopresence/internal/attendance"
	"geopresence/internal/auth"
	"geopresence/internal/course"
	"geopresence/internal/logger"
	"geopresence/internal/session"
	"geopresence/internal/tally"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// ---------- accounts ----------

type memAccounts struct {
	mu       sync.Mutex
	admins   []account.Admin
	students []account.Student
	tokens   map[string]bool // jti -> revoked
}

func (m *memAccounts) CreateAdmin(_ context.Context, a *account.Admin) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.admins {
		if existing.Email == a.Email {
			return account.ErrEmailTaken
		}
	}
	a.ID = int64(len(m.admins) + 1)
	m.admins = append(m.admins, *a)
	return nil
}

func (m *memAccounts) AdminByEmail(_ context.Context, email string) (*account.Admin, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.admins {
		if a.Email == email {
			return &a, nil
		}
	}
	return nil, nil
}

func (m *memAccounts) AdminByID(_ context.Context, id int64) (*account.Admin, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.admins {
		if a.ID == id {
			return &a, nil
		}
	}
	return nil, nil
}

func (m *memAccounts) CreateStudent(_ context.Context, s *account.Student) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.students {
		if existing.IndexNumber == s.IndexNumber || existing.Email == s.Email {
			return account.ErrStudentExists
		}
	}
	s.ID = int64(len(m.students) + 1)
	m.students = append(m.students, *s)
	return nil
}

func (m *memAccounts) StudentByID(_ context.Context, id int64) (*account.Student, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.students {
		if s.ID == id {
			return &s, nil
		}
	}
	return nil, nil
}

func (m *memAccounts) StudentByIndexAndEmail(_ context.Context, index, email string) (*account.Student, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.students {
		if s.IndexNumber == index && s.Email == email {
			return &s, nil
		}
	}
	return nil, nil
}

func (m *memAccounts) SaveRefreshToken(_ context.Context, jti string, _ auth.Principal, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[jti] = false
	return nil
}

func (m *memAccounts) ConsumeRefreshToken(_ context.Context, jti string, _ auth.Principal, _ time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	revoked, ok := m.tokens[jti]
	if !ok || revoked {
		return false, nil
	}
	m.tokens[jti] = true
	return true, nil
}

func (m *memAccounts) RevokeRefreshToken(_ context.Context, jti string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[jti] = true
	return nil
}

// ---------- courses ----------

type memCourses struct {
	mu      sync.Mutex
	nextID  int64
	courses map[int64]course.Course
	grants  map[[2]int64]*course.RepAccess
}

func (m *memCourses) Create(_ context.Context, c *course.Course) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.courses {
		if existing.Code == c.Code {
			return course.ErrDuplicateCode
		}
	}
	m.nextID++
	c.ID = m.nextID
	m.courses[c.ID] = *c
	return nil
}

func (m *memCourses) Get(_ context.Context, id int64) (*course.Course, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.courses[id]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (m *memCourses) Update(_ context.Context, c course.Course) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.courses[c.ID] = c
	return nil
}

func (m *memCourses) Delete(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.courses, id)
	return nil
}

func (m *memCourses) visible(adminID, courseID int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.courses[courseID]
	if !ok {
		return false
	}
	g := m.grants[[2]int64{adminID, courseID}]
	return c.LecturerID == adminID || (g != nil && g.Approved)
}

func (m *memCourses) ListAccessible(_ context.Context, adminID int64, _ string) ([]course.Course, error) {
	m.mu.Lock()
	var ids []int64
	for id := range m.courses {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	var out []course.Course
	for _, id := range ids {
		if m.visible(adminID, id) {
			c, _ := m.Get(context.Background(), id)
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memCourses) GrantRep(_ context.Context, repID, courseID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if repID > 100 {
		return sql.ErrNoRows
	}
	key := [2]int64{repID, courseID}
	if m.grants[key] == nil {
		m.grants[key] = &course.RepAccess{RepID: repID, CourseID: courseID}
	}
	return nil
}

func (m *memCourses) ApproveRep(_ context.Context, repID, courseID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g := m.grants[[2]int64{repID, courseID}]
	if g == nil {
		return false, nil
	}
	g.Approved = true
	return true, nil
}

func (m *memCourses) RepAccess(_ context.Context, repID, courseID int64) (*course.RepAccess, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g := m.grants[[2]int64{repID, courseID}]
	if g == nil {
		return nil, nil
	}
	cp := *g
	return &cp, nil
}

// ---------- sessions ----------

type memSessions struct {
	mu        sync.Mutex
	nextID    int64
	codes     map[int64]session.Code
	locations map[string]session.Location
}

func (m *memSessions) CodeExists(_ context.Context, code string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.codes {
		if c.Code == code {
			return true, nil
		}
	}
	return false, nil
}

func (m *memSessions) Insert(_ context.Context, c *session.Code) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	c.ID = m.nextID
	m.codes[c.ID] = *c
	return nil
}

func (m *memSessions) InsertForCourse(ctx context.Context, c *session.Code, now time.Time) error {
	active, _ := m.HasActiveForCourse(ctx, *c.CourseID, now)
	if active {
		return session.ErrActiveSession
	}
	return m.Insert(ctx, c)
}

func (m *memSessions) HasActiveForCourse(_ context.Context, courseID int64, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.codes {
		if c.CourseID != nil && *c.CourseID == courseID && !c.Expired(now) {
			return true, nil
		}
	}
	return false, nil
}

func (m *memSessions) Get(_ context.Context, id int64) (*session.Code, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.codes[id]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (m *memSessions) FindByCode(_ context.Context, code string) (*session.Code, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.codes {
		if c.Code == code {
			return &c, nil
		}
	}
	return nil, nil
}

func (m *memSessions) ListByAdmin(_ context.Context, adminID int64) ([]session.Code, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []session.Code
	for _, c := range m.codes {
		if c.AdminID == adminID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (m *memSessions) ListByCourse(_ context.Context, courseID int64) ([]session.Code, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []session.Code
	for _, c := range m.codes {
		if c.CourseID != nil && *c.CourseID == courseID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (m *memSessions) Delete(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.codes, id)
	return nil
}

func (m *memSessions) DeleteExpired(context.Context, time.Time, string) (int64, error) {
	return 0, nil
}

func (m *memSessions) InsertLocation(_ context.Context, l *session.Location) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.locations[l.Code]; ok {
		return session.ErrDuplicateLocation
	}
	m.nextID++
	l.ID = m.nextID
	m.locations[l.Code] = *l
	return nil
}

func (m *memSessions) LocationByCode(_ context.Context, code string) (*session.Location, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locations[code]
	if !ok {
		return nil, nil
	}
	return &l, nil
}

func (m *memSessions) ListLocations(_ context.Context) ([]session.Location, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []session.Location
	for _, l := range m.locations {
		out = append(out, l)
	}
	return out, nil
}

func (m *memSessions) DeleteLocation(_ context.Context, id int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for code, l := range m.locations {
		if l.ID == id {
			delete(m.locations, code)
			return true, nil
		}
	}
	return false, nil
}

// ---------- attendance ----------

type memAttendance struct {
	mu         sync.Mutex
	nextID     int64
	records    []attendance.Record
	sessions   *memSessions
	accounts   *memAccounts
	courses    *memCourses
	summaryErr error
}

func (m *memAttendance) Exists(_ context.Context, studentID, sessionID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.records {
		if r.StudentID == studentID && r.SessionID == sessionID {
			return true, nil
		}
	}
	return false, nil
}

func (m *memAttendance) Insert(_ context.Context, r *attendance.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.records {
		if existing.StudentID == r.StudentID && existing.SessionID == r.SessionID {
			return attendance.ErrDuplicate
		}
	}
	m.nextID++
	r.ID = m.nextID
	m.records = append(m.records, *r)
	return nil
}

func (m *memAttendance) Get(_ context.Context, id int64) (*attendance.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.records {
		if r.ID == id {
			return &r, nil
		}
	}
	return nil, nil
}

func (m *memAttendance) entry(r attendance.Record) attendance.Entry {
	e := attendance.Entry{Record: r}
	if st, _ := m.accounts.StudentByID(context.Background(), r.StudentID); st != nil {
		e.IndexNumber, e.FullName = st.IndexNumber, st.FullName
	}
	if c, _ := m.sessions.Get(context.Background(), r.SessionID); c != nil {
		e.SessionCode, e.CourseID = c.Code, c.CourseID
	}
	return e
}

func (m *memAttendance) List(_ context.Context, f attendance.Filter) ([]attendance.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []attendance.Entry
	for _, r := range m.records {
		e := m.entry(r)
		if f.SessionID > 0 && r.SessionID != f.SessionID {
			continue
		}
		if f.StudentID > 0 && r.StudentID != f.StudentID {
			continue
		}
		if f.CourseID > 0 && (e.CourseID == nil || *e.CourseID != f.CourseID) {
			continue
		}
		if f.IndexNumber != "" && e.IndexNumber != f.IndexNumber {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// ListForAdmin keeps entries from courses the admin owns or holds an approved rep grant for.
func (m *memAttendance) ListForAdmin(ctx context.Context, adminID int64, f attendance.Filter) ([]attendance.Entry, error) {
	all, err := m.List(ctx, f)
	if err != nil {
		return nil, err
	}
	var out []attendance.Entry
	for _, e := range all {
		if e.CourseID != nil && m.courses.visible(adminID, *e.CourseID) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memAttendance) Delete(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, r := range m.records {
		if r.ID == id {
			m.records = append(m.records[:i], m.records[i+1:]...)
			break
		}
	}
	return nil
}

func (m *memAttendance) DeleteBySession(_ context.Context, sessionID int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.records[:0]
	var n int64
	for _, r := range m.records {
		if r.SessionID == sessionID {
			n++
			continue
		}
		kept = append(kept, r)
	}
	m.records = kept
	return n, nil
}

func (m *memAttendance) Summary(_ context.Context, _ int64) (attendance.Summary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.summaryErr != nil {
		return attendance.Summary{}, m.summaryErr
	}
	return attendance.Summary{AttendanceRecords: int64(len(m.records))}, nil
}

func (m *memAttendance) Trend(ctx context.Context, adminID, courseID int64, since time.Time) ([]attendance.DailyCount, error) {
	var entries []attendance.Entry
	var err error
	if courseID > 0 {
		entries, err = m.List(ctx, attendance.Filter{CourseID: courseID})
	} else {
		entries, err = m.ListForAdmin(ctx, adminID, attendance.Filter{})
	}
	if err != nil {
		return nil, err
	}
	counts := map[string]int64{}
	for _, e := range entries {
		if !e.CreatedAt.Before(since) {
			counts[e.CreatedAt.UTC().Format(time.DateOnly)]++
		}
	}
	var out []attendance.DailyCount
	for day, n := range counts {
		out = append(out, attendance.DailyCount{Date: day, AttendanceCount: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	return out, nil
}

func (m *memAttendance) CourseCounts(ctx context.Context, courseID int64) (attendance.CourseSummary, error) {
	entries, _ := m.List(ctx, attendance.Filter{CourseID: courseID})
	sessions, _ := m.sessions.ListByCourse(ctx, courseID)
	students := map[int64]bool{}
	for _, e := range entries {
		students[e.StudentID] = true
	}
	return attendance.CourseSummary{
		CourseID:        courseID,
		SessionsCount:   int64(len(sessions)),
		TotalAttendance: int64(len(entries)),
		StudentsMarked:  int64(len(students)),
	}, nil
}

func (m *memAttendance) TopStudents(ctx context.Context, courseID int64, limit int) ([]attendance.StudentCount, error) {
	entries, _ := m.List(ctx, attendance.Filter{CourseID: courseID})
	counts := map[int64]*attendance.StudentCount{}
	for _, e := range entries {
		sc := counts[e.StudentID]
		if sc == nil {
			sc = &attendance.StudentCount{StudentID: e.StudentID, IndexNumber: e.IndexNumber, FullName: e.FullName}
			counts[e.StudentID] = sc
		}
		sc.AttendanceCount++
	}
	var out []attendance.StudentCount
	for _, sc := range counts {
		out = append(out, *sc)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AttendanceCount != out[j].AttendanceCount {
			return out[i].AttendanceCount > out[j].AttendanceCount
		}
		return out[i].IndexNumber < out[j].IndexNumber
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memAttendance) GeoRecords(ctx context.Context, courseID int64) ([]attendance.GeoInsight, error) {
	entries, _ := m.List(ctx, attendance.Filter{CourseID: courseID})
	var out []attendance.GeoInsight
	for _, e := range entries {
		sess, _ := m.sessions.Get(ctx, e.SessionID)
		g := attendance.GeoInsight{
			AttendanceID:    e.ID,
			SessionID:       e.SessionID,
			SessionLocation: attendance.Position{Latitude: sess.Latitude, Longitude: sess.Longitude},
			Radius:          sess.Radius,
		}
		if e.Latitude != nil && e.Longitude != nil {
			g.StudentLocation = &attendance.Position{Latitude: *e.Latitude, Longitude: *e.Longitude}
		}
		out = append(out, g)
	}
	return out, nil
}

// ---------- tally ----------

type fakeTally struct {
	mu      sync.Mutex
	live    map[int64]tally.Live
	resets  []int64
	removed [][2]int64 // session, student
}

func (f *fakeTally) Get(_ context.Context, id int64) (tally.Live, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if l, ok := f.live[id]; ok {
		return l, nil
	}
	return tally.Live{SessionID: id}, nil
}

func (f *fakeTally) Remove(_ context.Context, sessionID, studentID int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, [2]int64{sessionID, studentID})
	l := f.live[sessionID]
	if l.Total == 0 {
		return false, nil
	}
	l.Total--
	f.live[sessionID] = l
	return true, nil
}

func (f *fakeTally) Reset(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets = append(f.resets, id)
	delete(f.live, id)
	return nil
}

// ---------- world ----------

type world struct {
	t          *testing.T
	router     *gin.Engine
	signer     auth.Signer
	accounts   *memAccounts
	courses    *memCourses
	sessions   *memSessions
	attendance *memAttendance
	tally      *fakeTally
	now        time.Time
	health     map[string]HealthCheck
}

func newWorld(t *testing.T) *world {
	t.Helper()
	w := &world{
		t:        t,
		now:      time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
		accounts: &memAccounts{tokens: map[string]bool{}},
		courses:  &memCourses{courses: map[int64]course.Course{}, grants: map[[2]int64]*course.RepAccess{}},
		sessions: &memSessions{codes: map[int64]session.Code{}, locations: map[string]session.Location{}},
		tally:    &fakeTally{live: map[int64]tally.Live{}},
		health:   map[string]HealthCheck{},
	}
	w.attendance = &memAttendance{sessions: w.sessions, accounts: w.accounts, courses: w.courses}
	clock := func() time.Time { return w.now }
	log := logger.Discard()

	w.signer = auth.Signer{
		Key:        "handler-test-secret",
		Issuer:     "geopresence-test",
		AccessTTL:  15 * time.Minute,
		RefreshTTL: time.Hour,
		Now:        clock,
	}
	authz := access.NewAuthorizer(w.courses)
	sessions := session.NewManager(w.sessions, authz, session.Config{
		SweepPolicy:   session.SweepUnattended,
		DefaultRadius: 3,
		Now:           clock,
		Logger:        log,
	})
	h := New(Deps{
		Accounts:   account.NewService(w.accounts, w.signer, log),
		Courses:    course.NewService(w.courses, authz),
		Sessions:   sessions,
		Engine:     attendance.NewEngine(sessions, w.accounts, w.attendance, nil, clock, log),
		Attendance: attendance.NewService(w.attendance, sessions, authz, log),
		Tally:      w.tally,
		Signer:     w.signer,
		Health:     w.health,
		Log:        log,
	})
	w.router = gin.New()
	h.Routes(w.router, nil)
	return w
}

func (w *world) token(p auth.Principal) string {
	w.t.Helper()
	pair, err := w.signer.Issue(p)
	require.NoError(w.t, err)
	return pair.AccessToken
}

func (w *world) do(method, path string, body any, token string) *httptest.ResponseRecorder {
	w.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			require.NoError(w.t, json.NewEncoder(&buf).Encode(b))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	w.router.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

// seedCourse creates a course owned by adminID and returns its id.
func (w *world) seedCourse(adminID int64, code string) int64 {
	c := course.Course{Code: code, Name: code, Department: "CSE", Semester: "First", LecturerID: adminID}
	require.NoError(w.t, w.courses.Create(context.Background(), &c))
	return c.ID
}

// seedStudent registers a student and returns its id.
func (w *world) seedStudent(index, email string) int64 {
	s := account.Student{IndexNumber: index, FullName: "Student " + index, Email: email}
	require.NoError(w.t, w.accounts.CreateStudent(context.Background(), &s))
	return s.ID
}

// seedSession stores an active code at (lat, lon) for a course.
func (w *world) seedSession(adminID, courseID int64, code string, lat, lon, radius float64) int64 {
	c := session.Code{
		Code:      code,
		CreatedAt: w.now,
		ExpiresAt: w.now.Add(10 * time.Minute),
		Latitude:  lat,
		Longitude: lon,
		Radius:    radius,
		AdminID:   adminID,
		CourseID:  &courseID,
	}
	require.NoError(w.t, w.sessions.Insert(context.Background(), &c))
	return c.ID
}
