package attendance_test

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"geopresence/internal/access"
	"geopresence/internal/account"
	"geopresence/internal/apperror"
	"geopresence/internal/attendance"
	"geopresence/internal/auth"
	"geopresence/internal/course"
	"geopresence/internal/logger"
	"geopresence/internal/session"
	"geopresence/internal/store"
)

func openTestDB(t *testing.T) *store.DB {
	t.Helper()
	url := os.Getenv("GEOPRESENCE_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("GEOPRESENCE_TEST_DATABASE_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	db, err := store.NewDB(ctx, url)
	require.NoError(t, err)
	require.NoError(t, store.Migrate(db.Client))
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestPostgresAdmission(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	suffix := time.Now().Format("150405.000000")

	accounts := account.NewRepository(db.Client)
	admin := account.Admin{FullName: "Integration Lecturer", Email: "lecturer-" + suffix + "@example.com", PasswordHash: "x"}
	require.NoError(t, accounts.CreateAdmin(ctx, &admin))
	student := account.Student{IndexNumber: "IT" + suffix[len(suffix)-6:], FullName: "Integration Student", Email: "student-" + suffix + "@example.com"}
	require.NoError(t, accounts.CreateStudent(ctx, &student))

	courses := course.NewRepository(db.Client)
	c := course.Course{Code: "IT-" + suffix, Name: "Integration", Department: "QA", Semester: "1", LecturerID: admin.ID}
	require.NoError(t, courses.Create(ctx, &c))

	sessions := session.NewRepository(db.Client)
	manager := session.NewManager(sessions, access.NewAuthorizer(courses), session.Config{Logger: logger.Discard()})
	lat, lon := 0.0, 0.0
	code, err := manager.CreateFromCoordinates(ctx, auth.Admin(admin.ID), session.CoordinatesInput{CourseID: c.ID, Latitude: &lat, Longitude: &lon})
	require.NoError(t, err)

	records := attendance.NewRepository(db.Client)
	engine := attendance.NewEngine(manager, accounts, records, nil, nil, logger.Discard())
	req := attendance.MarkRequest{
		Code:      code.Code,
		Student:   attendance.StudentRef{IndexNumber: student.IndexNumber, Email: student.Email},
		Latitude:  "0",
		Longitude: "0",
	}

	const n = 10
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		conflicts int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := engine.Mark(ctx, req)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				successes++
			} else if apperror.Is(err, apperror.KindConflict) {
				conflicts++
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, successes)
	assert.Equal(t, n-1, conflicts)

	entries, err := records.List(ctx, attendance.Filter{SessionID: code.ID})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, student.IndexNumber, entries[0].IndexNumber)

	require.NoError(t, courses.Delete(ctx, c.ID))
	entries, err = records.List(ctx, attendance.Filter{SessionID: code.ID})
	require.NoError(t, err)
	assert.Empty(t, entries, "course deletion cascades to sessions and attendance")
}

func TestPostgresRepScoping(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	suffix := time.Now().Format("150405.000000")

	accounts := account.NewRepository(db.Client)
	owner := account.Admin{FullName: "Owner", Email: "owner-" + suffix + "@example.com", PasswordHash: "x"}
	require.NoError(t, accounts.CreateAdmin(ctx, &owner))
	rep := account.Admin{FullName: "Rep", Email: "rep-" + suffix + "@example.com", PasswordHash: "x"}
	require.NoError(t, accounts.CreateAdmin(ctx, &rep))
	student := account.Student{IndexNumber: "RS" + suffix[len(suffix)-6:], FullName: "Scoped Student", Email: "scoped-" + suffix + "@example.com"}
	require.NoError(t, accounts.CreateStudent(ctx, &student))

	courses := course.NewRepository(db.Client)
	c := course.Course{Code: "RS-" + suffix, Name: "Scoping", Department: "QA", Semester: "1", LecturerID: owner.ID}
	require.NoError(t, courses.Create(ctx, &c))
	t.Cleanup(func() { _ = courses.Delete(context.Background(), c.ID) })

	manager := session.NewManager(session.NewRepository(db.Client), access.NewAuthorizer(courses), session.Config{Logger: logger.Discard()})
	lat, lon := 5.6037, -0.1870
	code, err := manager.CreateFromCoordinates(ctx, auth.Admin(owner.ID), session.CoordinatesInput{CourseID: c.ID, Latitude: &lat, Longitude: &lon})
	require.NoError(t, err)

	records := attendance.NewRepository(db.Client)
	require.NoError(t, records.Insert(ctx, &attendance.Record{
		StudentID: student.ID, SessionID: code.ID, CreatedAt: time.Now().UTC(),
		Latitude: &lat, Longitude: &lon, Status: attendance.StatusPresent,
	}))

	require.NoError(t, courses.GrantRep(ctx, rep.ID, c.ID))

	entries, err := records.ListForAdmin(ctx, rep.ID, attendance.Filter{})
	require.NoError(t, err)
	assert.Empty(t, entries, "pending rep sees no attendance")
	sum, err := records.Summary(ctx, rep.ID)
	require.NoError(t, err)
	assert.Zero(t, sum.Courses)
	assert.Zero(t, sum.AttendanceRecords)
	visible, err := courses.ListAccessible(ctx, rep.ID, "")
	require.NoError(t, err)
	assert.Empty(t, visible)
	trend, err := records.Trend(ctx, rep.ID, 0, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, trend)

	approved, err := courses.ApproveRep(ctx, rep.ID, c.ID)
	require.NoError(t, err)
	require.True(t, approved)

	entries, err = records.ListForAdmin(ctx, rep.ID, attendance.Filter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, student.IndexNumber, entries[0].IndexNumber)
	sum, err = records.Summary(ctx, rep.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), sum.Courses)
	assert.Equal(t, int64(1), sum.AttendanceRecords)
	visible, err = courses.ListAccessible(ctx, rep.ID, "")
	require.NoError(t, err)
	require.Len(t, visible, 1)
	assert.Equal(t, c.ID, visible[0].ID)
	trend, err = records.Trend(ctx, rep.ID, 0, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	require.Len(t, trend, 1)
	assert.Equal(t, int64(1), trend[0].AttendanceCount)

	counts, err := records.CourseCounts(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, attendance.CourseSummary{CourseID: c.ID, SessionsCount: 1, TotalAttendance: 1, StudentsMarked: 1}, counts)
	top, err := records.TopStudents(ctx, c.ID, 10)
	require.NoError(t, err)
	require.Len(t, top, 1)
	assert.Equal(t, student.ID, top[0].StudentID)
	geoRows, err := records.GeoRecords(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, geoRows, 1)
	require.NotNil(t, geoRows[0].StudentLocation)
	assert.Equal(t, lat, geoRows[0].SessionLocation.Latitude)
}
