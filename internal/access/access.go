// Package access decides which admins may manage a course and its sessions.
package access

import (
	"context"

	"geopresence/internal/apperror"
	"geopresence/internal/auth"
	"geopresence/internal/course"
)

// CourseStore is the course data the authorizer reads.
type CourseStore interface {
	Get(ctx context.Context, id int64) (*course.Course, error)
	RepAccess(ctx context.Context, repID, courseID int64) (*course.RepAccess, error)
}

// Authorizer answers ownership and rep questions.
type Authorizer struct {
	courses CourseStore
}

// NewAuthorizer creates an authorizer.
func NewAuthorizer(courses CourseStore) *Authorizer {
	return &Authorizer{courses: courses}
}

// IsOwner reports whether p is the course lecturer.
func (a *Authorizer) IsOwner(c course.Course, p auth.Principal) bool {
	return p.IsAdmin() && c.LecturerID == p.ID
}

// IsApprovedRep reports whether p holds an approved rep grant on the course.
func (a *Authorizer) IsApprovedRep(ctx context.Context, c course.Course, p auth.Principal) (bool, error) {
	if !p.IsAdmin() {
		return false, nil
	}
	grant, err := a.courses.RepAccess(ctx, p.ID, c.ID)
	if err != nil {
		return false, err
	}
	return grant != nil && grant.Approved, nil
}

// CanManage reports isOwner OR (allowReps AND isApprovedRep).
func (a *Authorizer) CanManage(ctx context.Context, c course.Course, p auth.Principal, allowReps bool) (bool, error) {
	if a.IsOwner(c, p) {
		return true, nil
	}
	if !allowReps {
		return false, nil
	}
	return a.IsApprovedRep(ctx, c, p)
}

// Course loads a course and checks access, returning NotFound or Forbidden errors.
func (a *Authorizer) Course(ctx context.Context, p auth.Principal, courseID int64, allowReps bool) (course.Course, error) {
	c, err := a.courses.Get(ctx, courseID)
	if err != nil {
		return course.Course{}, apperror.Fatal("failed to load course", err)
	}
	if c == nil {
		return course.Course{}, apperror.NotFound("Course not found")
	}
	ok, err := a.CanManage(ctx, *c, p, allowReps)
	if err != nil {
		return course.Course{}, apperror.Fatal("failed to check course access", err)
	}
	if !ok {
		return course.Course{}, apperror.Forbidden("Access denied")
	}
	return *c, nil
}
