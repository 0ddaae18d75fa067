package account

import (
	"context"
	"errors"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"geopresence/internal/apperror"
	"geopresence/internal/auth"
)

// Store is the persistence the account service needs.
type Store interface {
	CreateAdmin(ctx context.Context, a *Admin) error
	AdminByEmail(ctx context.Context, email string) (*Admin, error)
	AdminByID(ctx context.Context, id int64) (*Admin, error)
	CreateStudent(ctx context.Context, s *Student) error
	StudentByID(ctx context.Context, id int64) (*Student, error)
	StudentByIndexAndEmail(ctx context.Context, indexNumber, email string) (*Student, error)
	SaveRefreshToken(ctx context.Context, jti string, p auth.Principal, expiresAt time.Time) error
	ConsumeRefreshToken(ctx context.Context, jti string, p auth.Principal, now time.Time) (bool, error)
	RevokeRefreshToken(ctx context.Context, jti string) error
}

// Session is the result of a successful login or refresh.
type Session struct {
	Tokens  auth.TokenPair
	Admin   *Admin
	Student *Student
}

// Service handles registration, login and token rotation.
type Service struct {
	store  Store
	signer auth.Signer
	log    *slog.Logger
}

// NewService creates an account service.
func NewService(store Store, signer auth.Signer, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{store: store, signer: signer, log: log.With("component", "account")}
}

// RegisterInput carries admin registration fields.
type RegisterInput struct {
	FullName string `json:"full_name"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Register creates an admin account.
func (s *Service) Register(ctx context.Context, in RegisterInput) (Admin, error) {
	name := strings.TrimSpace(in.FullName)
	email := normalizeEmail(in.Email)
	if name == "" || email == "" || in.Password == "" {
		return Admin{}, apperror.InvalidInput("All fields are required")
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return Admin{}, apperror.InvalidInput("Invalid email address")
	}
	if len(in.Password) < 8 {
		return Admin{}, apperror.InvalidInput("Password must be at least 8 characters")
	}
	hash, err := auth.HashPassword(in.Password)
	if err != nil {
		return Admin{}, apperror.Fatal("failed to hash password", err)
	}
	a := Admin{FullName: name, Email: email, PasswordHash: hash}
	if err := s.store.CreateAdmin(ctx, &a); err != nil {
		if errors.Is(err, ErrEmailTaken) {
			return Admin{}, apperror.Conflict("Email already registered")
		}
		return Admin{}, apperror.Fatal("failed to register admin", err)
	}
	s.log.Info("admin registered", "admin_id", a.ID)
	return a, nil
}

// Login authenticates an admin by email and password.
func (s *Service) Login(ctx context.Context, email, password string) (Session, error) {
	email = normalizeEmail(email)
	if email == "" || password == "" {
		return Session{}, apperror.InvalidInput("Email and password required")
	}
	a, err := s.store.AdminByEmail(ctx, email)
	if err != nil {
		return Session{}, apperror.Fatal("failed to load admin", err)
	}
	if a == nil || !auth.CheckPassword(a.PasswordHash, password) {
		return Session{}, apperror.Unauthorized("Invalid credentials")
	}
	tokens, err := s.issue(ctx, auth.Admin(a.ID))
	if err != nil {
		return Session{}, err
	}
	return Session{Tokens: tokens, Admin: a}, nil
}

// StudentLogin authenticates a student by index number and email.
func (s *Service) StudentLogin(ctx context.Context, indexNumber, email string) (Session, error) {
	indexNumber = strings.TrimSpace(indexNumber)
	email = strings.TrimSpace(email)
	if indexNumber == "" || email == "" {
		return Session{}, apperror.InvalidInput("index_number and email are required")
	}
	st, err := s.store.StudentByIndexAndEmail(ctx, indexNumber, email)
	if err != nil {
		return Session{}, apperror.Fatal("failed to load student", err)
	}
	if st == nil {
		return Session{}, apperror.Unauthorized("Invalid credentials")
	}
	tokens, err := s.issue(ctx, auth.Student(st.ID))
	if err != nil {
		return Session{}, err
	}
	return Session{Tokens: tokens, Student: st}, nil
}

// Refresh rotates a refresh token: the presented one is revoked and a new pair is issued.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	p, claims, err := s.signer.Parse(refreshToken, auth.TypeRefresh)
	if err != nil {
		return Session{}, apperror.Unauthorized("invalid refresh token")
	}
	ok, err := s.store.ConsumeRefreshToken(ctx, claims.ID, p, s.now())
	if err != nil {
		return Session{}, apperror.Fatal("failed to rotate refresh token", err)
	}
	if !ok {
		s.log.Warn("refresh token reuse or revoked", "principal", p.String())
		return Session{}, apperror.Unauthorized("invalid refresh token")
	}
	tokens, err := s.issue(ctx, p)
	if err != nil {
		return Session{}, err
	}
	return Session{Tokens: tokens}, nil
}

// Logout revokes the refresh token if it is valid. Invalid tokens are ignored.
func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	if refreshToken == "" {
		return nil
	}
	_, claims, err := s.signer.Parse(refreshToken, auth.TypeRefresh)
	if err != nil {
		return nil
	}
	if err := s.store.RevokeRefreshToken(ctx, claims.ID); err != nil {
		return apperror.Fatal("failed to revoke refresh token", err)
	}
	return nil
}

// Profile returns the calling admin.
func (s *Service) Profile(ctx context.Context, p auth.Principal) (Admin, error) {
	if !p.IsAdmin() {
		return Admin{}, apperror.Forbidden("Access denied")
	}
	a, err := s.store.AdminByID(ctx, p.ID)
	if err != nil {
		return Admin{}, apperror.Fatal("failed to load admin", err)
	}
	if a == nil {
		return Admin{}, apperror.NotFound("User not found")
	}
	return *a, nil
}

// StudentInput carries student registration fields.
type StudentInput struct {
	IndexNumber string `json:"index_number"`
	FullName    string `json:"full_name"`
	Email       string `json:"email"`
}

// CreateStudent registers a student; admins only.
func (s *Service) CreateStudent(ctx context.Context, p auth.Principal, in StudentInput) (Student, error) {
	if !p.IsAdmin() {
		return Student{}, apperror.Forbidden("Access denied")
	}
	st := Student{
		IndexNumber: strings.TrimSpace(in.IndexNumber),
		FullName:    strings.TrimSpace(in.FullName),
		Email:       strings.TrimSpace(in.Email),
	}
	if st.IndexNumber == "" || st.FullName == "" || st.Email == "" {
		return Student{}, apperror.InvalidInput("All fields are required")
	}
	if _, err := mail.ParseAddress(st.Email); err != nil {
		return Student{}, apperror.InvalidInput("Invalid email address")
	}
	if err := s.store.CreateStudent(ctx, &st); err != nil {
		if errors.Is(err, ErrStudentExists) {
			return Student{}, apperror.Conflict("Student already exists")
		}
		return Student{}, apperror.Fatal("failed to create student", err)
	}
	return st, nil
}

// Student returns a student by id.
func (s *Service) Student(ctx context.Context, id int64) (Student, error) {
	st, err := s.store.StudentByID(ctx, id)
	if err != nil {
		return Student{}, apperror.Fatal("failed to load student", err)
	}
	if st == nil {
		return Student{}, apperror.NotFound("Student not found")
	}
	return *st, nil
}

func (s *Service) issue(ctx context.Context, p auth.Principal) (auth.TokenPair, error) {
	tokens, err := s.signer.Issue(p)
	if err != nil {
		return auth.TokenPair{}, apperror.Fatal("token issue failed", err)
	}
	if err := s.store.SaveRefreshToken(ctx, tokens.RefreshID, p, tokens.RefreshExp); err != nil {
		return auth.TokenPair{}, apperror.Fatal("failed to store refresh token", err)
	}
	return tokens, nil
}

func (s *Service) now() time.Time {
	if s.signer.Now != nil {
		return s.signer.Now()
	}
	return time.Now()
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
