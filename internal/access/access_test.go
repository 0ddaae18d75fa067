package access

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"geopresence/internal/apperror"
	"geopresence/internal/auth"
	"geopresence/internal/course"
)

type fakeCourses struct {
	courses map[int64]course.Course
	grants  map[[2]int64]course.RepAccess
	err     error
}

func (f *fakeCourses) Get(_ context.Context, id int64) (*course.Course, error) {
	if f.err != nil {
		return nil, f.err
	}
	c, ok := f.courses[id]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (f *fakeCourses) RepAccess(_ context.Context, repID, courseID int64) (*course.RepAccess, error) {
	if f.err != nil {
		return nil, f.err
	}
	g, ok := f.grants[[2]int64{repID, courseID}]
	if !ok {
		return nil, nil
	}
	return &g, nil
}

func newFixture() *fakeCourses {
	return &fakeCourses{
		courses: map[int64]course.Course{
			10: {ID: 10, Code: "CSE101", LecturerID: 1},
		},
		grants: map[[2]int64]course.RepAccess{
			{2, 10}: {RepID: 2, CourseID: 10, Approved: true},
			{3, 10}: {RepID: 3, CourseID: 10, Approved: false},
		},
	}
}

func TestCanManage(t *testing.T) {
	a := NewAuthorizer(newFixture())
	c := course.Course{ID: 10, LecturerID: 1}
	ctx := context.Background()

	tests := []struct {
		name      string
		p         auth.Principal
		allowReps bool
		want      bool
	}{
		{"owner without reps", auth.Admin(1), false, true},
		{"owner with reps", auth.Admin(1), true, true},
		{"approved rep allowed", auth.Admin(2), true, true},
		{"approved rep not allowed", auth.Admin(2), false, false},
		{"pending rep", auth.Admin(3), true, false},
		{"stranger", auth.Admin(4), true, false},
		{"student with owner id", auth.Student(1), true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := a.CanManage(ctx, c, tt.p, tt.allowReps)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCourse(t *testing.T) {
	a := NewAuthorizer(newFixture())
	ctx := context.Background()

	c, err := a.Course(ctx, auth.Admin(2), 10, true)
	require.NoError(t, err)
	assert.Equal(t, "CSE101", c.Code)

	_, err = a.Course(ctx, auth.Admin(2), 10, false)
	assert.True(t, apperror.Is(err, apperror.KindForbidden))

	_, err = a.Course(ctx, auth.Admin(1), 99, false)
	assert.True(t, apperror.Is(err, apperror.KindNotFound))

	broken := NewAuthorizer(&fakeCourses{err: errors.New("db down")})
	_, err = broken.Course(ctx, auth.Admin(1), 10, false)
	assert.True(t, apperror.Is(err, apperror.KindFatal))
}
