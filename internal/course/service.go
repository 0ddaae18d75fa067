package course

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"geopresence/internal/apperror"
	"geopresence/internal/auth"
)

// Store is the persistence the course service needs.
type Store interface {
	Create(ctx context.Context, c *Course) error
	Get(ctx context.Context, id int64) (*Course, error)
	Update(ctx context.Context, c Course) error
	Delete(ctx context.Context, id int64) error
	ListAccessible(ctx context.Context, adminID int64, search string) ([]Course, error)
	GrantRep(ctx context.Context, repID, courseID int64) error
	ApproveRep(ctx context.Context, repID, courseID int64) (bool, error)
}

// Authorizer decides whether a principal may manage a course.
type Authorizer interface {
	CanManage(ctx context.Context, c Course, p auth.Principal, allowReps bool) (bool, error)
}

// Input carries the editable course fields.
type Input struct {
	Code       string `json:"course_code"`
	Name       string `json:"course_name"`
	Department string `json:"department"`
	Semester   string `json:"semester"`
}

func (in Input) trimmed() Input {
	return Input{
		Code:       strings.TrimSpace(in.Code),
		Name:       strings.TrimSpace(in.Name),
		Department: strings.TrimSpace(in.Department),
		Semester:   strings.TrimSpace(in.Semester),
	}
}

// Service implements course CRUD for lecturers and their reps.
type Service struct {
	store Store
	authz Authorizer
}

// NewService creates a course service.
func NewService(store Store, authz Authorizer) *Service {
	return &Service{store: store, authz: authz}
}

// Create adds a course owned by the calling admin.
func (s *Service) Create(ctx context.Context, p auth.Principal, in Input) (Course, error) {
	if !p.IsAdmin() {
		return Course{}, apperror.Forbidden("Access denied")
	}
	in = in.trimmed()
	if in.Code == "" || in.Name == "" || in.Department == "" || in.Semester == "" {
		return Course{}, apperror.InvalidInput("Missing required fields")
	}
	c := Course{Code: in.Code, Name: in.Name, Department: in.Department, Semester: in.Semester, LecturerID: p.ID}
	if err := s.store.Create(ctx, &c); err != nil {
		if errors.Is(err, ErrDuplicateCode) {
			return Course{}, apperror.Conflict("Course code already exists")
		}
		return Course{}, apperror.Fatal("failed to create course", err)
	}
	return c, nil
}

// List returns courses the admin owns or represents.
func (s *Service) List(ctx context.Context, p auth.Principal, search string) ([]Course, error) {
	if !p.IsAdmin() {
		return nil, apperror.Forbidden("Access denied")
	}
	courses, err := s.store.ListAccessible(ctx, p.ID, search)
	if err != nil {
		return nil, apperror.Fatal("failed to list courses", err)
	}
	return courses, nil
}

// Get returns a course visible to its owner or an approved rep.
func (s *Service) Get(ctx context.Context, p auth.Principal, id int64) (Course, error) {
	return s.load(ctx, p, id, true)
}

// Update edits a course; owners only.
func (s *Service) Update(ctx context.Context, p auth.Principal, id int64, in Input) (Course, error) {
	c, err := s.load(ctx, p, id, false)
	if err != nil {
		return Course{}, err
	}
	in = in.trimmed()
	if in.Code != "" {
		c.Code = in.Code
	}
	if in.Name != "" {
		c.Name = in.Name
	}
	if in.Department != "" {
		c.Department = in.Department
	}
	if in.Semester != "" {
		c.Semester = in.Semester
	}
	if err := s.store.Update(ctx, c); err != nil {
		if errors.Is(err, ErrDuplicateCode) {
			return Course{}, apperror.Conflict("Course code already exists")
		}
		return Course{}, apperror.Fatal("failed to update course", err)
	}
	return c, nil
}

// Delete removes a course and everything attached to it; owners only.
func (s *Service) Delete(ctx context.Context, p auth.Principal, id int64) error {
	if _, err := s.load(ctx, p, id, false); err != nil {
		return err
	}
	if err := s.store.Delete(ctx, id); err != nil {
		return apperror.Fatal("failed to delete course", err)
	}
	return nil
}

// GrantRep gives another admin pending rep access to the course.
func (s *Service) GrantRep(ctx context.Context, p auth.Principal, courseID, repID int64) error {
	c, err := s.load(ctx, p, courseID, false)
	if err != nil {
		return err
	}
	if repID <= 0 || repID == c.LecturerID {
		return apperror.InvalidInput("Invalid rep_id")
	}
	if err := s.store.GrantRep(ctx, repID, courseID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return apperror.NotFound("Admin not found")
		}
		return apperror.Fatal("failed to grant rep access", err)
	}
	return nil
}

// ApproveRep approves a pending rep grant.
func (s *Service) ApproveRep(ctx context.Context, p auth.Principal, courseID, repID int64) error {
	if _, err := s.load(ctx, p, courseID, false); err != nil {
		return err
	}
	ok, err := s.store.ApproveRep(ctx, repID, courseID)
	if err != nil {
		return apperror.Fatal("failed to approve rep access", err)
	}
	if !ok {
		return apperror.NotFound("Rep access request not found")
	}
	return nil
}

func (s *Service) load(ctx context.Context, p auth.Principal, id int64, allowReps bool) (Course, error) {
	c, err := s.store.Get(ctx, id)
	if err != nil {
		return Course{}, apperror.Fatal("failed to load course", err)
	}
	if c == nil {
		return Course{}, apperror.NotFound("Course not found")
	}
	ok, err := s.authz.CanManage(ctx, *c, p, allowReps)
	if err != nil {
		return Course{}, apperror.Fatal("failed to check course access", err)
	}
	if !ok {
		return Course{}, apperror.Forbidden("Access denied")
	}
	return *c, nil
}
