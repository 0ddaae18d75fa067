// Package handler exposes the attendance services over HTTP.
package handler

import (
	"context"
	"log/slog"
	"net/http"
	"sort"

	"github.com/gin-gonic/gin"

	"geopresence/internal/account"
	"geopresence/internal/attendance"
	"geopresence/internal/auth"
	"geopresence/internal/course"
	"geopresence/internal/session"
	"geopresence/internal/tally"
)

// Tally reads and adjusts live attendance counts.
type Tally interface {
	Get(ctx context.Context, sessionID int64) (tally.Live, error)
	Remove(ctx context.Context, sessionID, studentID int64) (bool, error)
	Reset(ctx context.Context, sessionID int64) error
}

// HealthCheck reports whether a dependency is reachable.
type HealthCheck func(ctx context.Context) bool

// Deps are the services the handler serves. Tally may be nil.
type Deps struct {
	Accounts   *account.Service
	Courses    *course.Service
	Sessions   *session.Manager
	Engine     *attendance.Engine
	Attendance *attendance.Service
	Tally      Tally
	Signer     auth.Signer
	Health     map[string]HealthCheck
	Log        *slog.Logger
}

type Handler struct {
	accounts   *account.Service
	courses    *course.Service
	sessions   *session.Manager
	engine     *attendance.Engine
	attendance *attendance.Service
	tally      Tally
	signer     auth.Signer
	health     map[string]HealthCheck
	log        *slog.Logger
}

func New(d Deps) *Handler {
	log := d.Log
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		accounts:   d.Accounts,
		courses:    d.Courses,
		sessions:   d.Sessions,
		engine:     d.Engine,
		attendance: d.Attendance,
		tally:      d.Tally,
		signer:     d.Signer,
		health:     d.Health,
		log:        log.With("component", "http"),
	}
}

// Routes registers every endpoint on r. markLimit guards the attendance submission endpoints and may be nil.
func (h *Handler) Routes(r gin.IRouter, markLimit gin.HandlerFunc) {
	if markLimit == nil {
		markLimit = func(c *gin.Context) { c.Next() }
	}
	authn := auth.Authenticate(h.signer)
	admin := auth.Require(auth.KindAdmin)
	student := auth.Require(auth.KindStudent)

	r.GET("/healthz", h.Healthz)

	r.POST("/register", h.RegisterAdmin)
	r.POST("/login", h.Login)
	r.POST("/refresh", h.Refresh)
	r.POST("/logout", h.Logout)
	r.GET("/profile", authn, admin, h.Profile)

	students := r.Group("/students")
	students.POST("/login", h.StudentLogin)
	students.POST("", authn, admin, h.CreateStudent)
	students.POST("/mark", markLimit, authn, student, h.StudentMark)
	students.GET("/attendance", authn, student, h.StudentAttendance)

	courses := r.Group("/courses", authn, admin)
	courses.POST("", h.CreateCourse)
	courses.GET("", h.ListCourses)
	courses.GET("/:id", h.GetCourse)
	courses.PUT("/:id", h.UpdateCourse)
	courses.DELETE("/:id", h.DeleteCourse)
	courses.POST("/:id/reps", h.GrantRep)
	courses.POST("/:id/reps/:rep_id/approve", h.ApproveRep)

	sessions := r.Group("/sessions", authn, admin)
	sessions.POST("/create", h.CreateSession)
	sessions.POST("/create-with-location", h.CreateSessionWithLocation)
	sessions.GET("/my-sessions", h.MySessions)
	sessions.GET("/course/:course_id", h.CourseSessions)
	sessions.GET("/:id", h.GetSession)
	sessions.DELETE("/delete/:id", h.DeleteSession)

	locations := r.Group("/locations", authn, admin)
	locations.POST("", h.CreateLocation)
	locations.GET("", h.ListLocations)
	locations.DELETE("/:id", h.DeleteLocation)

	r.POST("/attendance/mark-attendance", markLimit, h.MarkAttendance)
	att := r.Group("/attendance", authn, admin)
	att.GET("/by-session/:session_id", h.SessionAttendance)
	att.GET("/course/:course_id", h.CourseAttendance)
	att.GET("/student/:index_number", h.StudentRecords)
	att.GET("/filter", h.FilterAttendance)
	att.GET("/export", h.ExportAttendance)
	att.GET("/live/:session_id", h.LiveTally)
	att.DELETE("/delete/:id", h.DeleteAttendance)
	att.DELETE("/delete/by-session/:session_id", h.DeleteSessionAttendance)

	dash := r.Group("/dashboard", authn, admin)
	dash.GET("/summary", h.DashboardSummary)
	dash.GET("/attendance-trend", h.AttendanceTrend)
	dash.GET("/course-summary/:course_id", h.CourseSummary)
	dash.GET("/top-students/:course_id", h.TopStudents)
	dash.GET("/geo-insights/:course_id", h.GeoInsights)
	dash.GET("/course-dashboard/:course_id", h.CourseDashboard)
}

// ---------- Health ----------

func (h *Handler) Healthz(c *gin.Context) {
	names := make([]string, 0, len(h.health))
	for name := range h.health {
		names = append(names, name)
	}
	sort.Strings(names)

	body := gin.H{"status": "ok"}
	status := http.StatusOK
	for _, name := range names {
		ok := h.health[name](c.Request.Context())
		body[name] = ok
		if !ok {
			status = http.StatusServiceUnavailable
			body["status"] = "degraded"
		}
	}
	c.JSON(status, body)
}

// ---------- Dashboard ----------

func (h *Handler) DashboardSummary(c *gin.Context) {
	p, _ := auth.FromContext(c)
	sum, err := h.attendance.Summary(c.Request.Context(), p)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, sum)
}

func (h *Handler) AttendanceTrend(c *gin.Context) {
	days, err := queryInt(c, "days", attendance.DefaultTrendDays)
	if err != nil {
		h.fail(c, err)
		return
	}
	p, _ := auth.FromContext(c)
	trend, err := h.attendance.Trend(c.Request.Context(), p, days)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trend": nonNil(trend)})
}

func (h *Handler) CourseSummary(c *gin.Context) {
	id, ok := h.pathID(c, "course_id")
	if !ok {
		return
	}
	p, _ := auth.FromContext(c)
	sum, err := h.attendance.CourseSummary(c.Request.Context(), p, id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, sum)
}

func (h *Handler) TopStudents(c *gin.Context) {
	id, ok := h.pathID(c, "course_id")
	if !ok {
		return
	}
	limit, err := queryInt(c, "limit", attendance.DefaultTopStudents)
	if err != nil {
		h.fail(c, err)
		return
	}
	p, _ := auth.FromContext(c)
	top, err := h.attendance.TopStudents(c.Request.Context(), p, id, limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"top_students": nonNil(top)})
}

func (h *Handler) GeoInsights(c *gin.Context) {
	id, ok := h.pathID(c, "course_id")
	if !ok {
		return
	}
	p, _ := auth.FromContext(c)
	insights, err := h.attendance.GeoInsights(c.Request.Context(), p, id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"geo_data": nonNil(insights)})
}

func (h *Handler) CourseDashboard(c *gin.Context) {
	id, ok := h.pathID(c, "course_id")
	if !ok {
		return
	}
	p, _ := auth.FromContext(c)
	dash, err := h.attendance.CourseDashboard(c.Request.Context(), p, id)
	if err != nil {
		h.fail(c, err)
		return
	}
	dash.AttendanceTrend = nonNil(dash.AttendanceTrend)
	dash.TopStudents = nonNil(dash.TopStudents)
	dash.GeoInsights = nonNil(dash.GeoInsights)
	c.JSON(http.StatusOK, dash)
}
