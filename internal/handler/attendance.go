package handler

import (
	"bytes"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"geopresence/internal/apperror"
	"geopresence/internal/attendance"
	"geopresence/internal/auth"
	"geopresence/internal/session"
)

// ---------- Marking ----------

type markRequest struct {
	SessionCode string         `json:"session_code"`
	IndexNumber string         `json:"index_number"`
	Email       string         `json:"email"`
	Latitude    FlexibleString `json:"latitude"`
	Longitude   FlexibleString `json:"longitude"`
}

// MarkAttendance admits an anonymous submission identified by index number and email.
func (h *Handler) MarkAttendance(c *gin.Context) {
	var req markRequest
	if !h.bind(c, &req) {
		return
	}
	h.mark(c, req, attendance.StudentRef{IndexNumber: req.IndexNumber, Email: req.Email})
}

// StudentMark admits a submission from the authenticated student.
func (h *Handler) StudentMark(c *gin.Context) {
	var req markRequest
	if !h.bind(c, &req) {
		return
	}
	p, _ := auth.FromContext(c)
	h.mark(c, req, attendance.StudentRef{ID: p.ID})
}

func (h *Handler) mark(c *gin.Context, req markRequest, who attendance.StudentRef) {
	adm, err := h.engine.Mark(c.Request.Context(), attendance.MarkRequest{
		Code:      req.SessionCode,
		Student:   who,
		Latitude:  req.Latitude.String(),
		Longitude: req.Longitude.String(),
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message": "Attendance marked", "distance": adm.Distance})
}

// ---------- Listings ----------

func (h *Handler) SessionAttendance(c *gin.Context) {
	id, ok := h.pathID(c, "session_id")
	if !ok {
		return
	}
	p, _ := auth.FromContext(c)
	h.renderEntries(c)(h.attendance.BySession(c.Request.Context(), p, id))
}

func (h *Handler) CourseAttendance(c *gin.Context) {
	id, ok := h.pathID(c, "course_id")
	if !ok {
		return
	}
	p, _ := auth.FromContext(c)
	h.renderEntries(c)(h.attendance.ByCourse(c.Request.Context(), p, id))
}

func (h *Handler) StudentRecords(c *gin.Context) {
	p, _ := auth.FromContext(c)
	h.renderEntries(c)(h.attendance.ByStudent(c.Request.Context(), p, c.Param("index_number")))
}

func (h *Handler) FilterAttendance(c *gin.Context) {
	f, err := filterFromQuery(c)
	if err != nil {
		h.fail(c, err)
		return
	}
	p, _ := auth.FromContext(c)
	entries, err := h.attendance.Search(c.Request.Context(), p, f)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"filtered": nonNil(entries)})
}

func (h *Handler) renderEntries(c *gin.Context) func([]attendance.Entry, error) {
	return func(entries []attendance.Entry, err error) {
		if err != nil {
			h.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"attendance": nonNil(entries)})
	}
}

func (h *Handler) ExportAttendance(c *gin.Context) {
	courseID, err := queryID(c, "course_id")
	if err != nil {
		h.fail(c, err)
		return
	}
	p, _ := auth.FromContext(c)
	// Buffered so a failure part way through still renders a JSON error.
	var buf bytes.Buffer
	if err := h.attendance.Export(c.Request.Context(), p, courseID, &buf); err != nil {
		h.fail(c, err)
		return
	}
	c.Header("Content-Disposition", "attachment;filename=attendance.csv")
	c.Data(http.StatusOK, "text/csv", buf.Bytes())
}

func (h *Handler) LiveTally(c *gin.Context) {
	id, ok := h.pathID(c, "session_id")
	if !ok {
		return
	}
	if h.tally == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "live tally not configured"})
		return
	}
	p, _ := auth.FromContext(c)
	if _, err := h.sessions.Authorize(c.Request.Context(), p, id, true); err != nil {
		h.fail(c, err)
		return
	}
	live, err := h.tally.Get(c.Request.Context(), id)
	if err != nil {
		h.fail(c, apperror.Fatal("failed to read live tally", err))
		return
	}
	c.JSON(http.StatusOK, live)
}

// ---------- Deletes ----------

func (h *Handler) DeleteAttendance(c *gin.Context) {
	id, ok := h.pathID(c, "id")
	if !ok {
		return
	}
	p, _ := auth.FromContext(c)
	rec, err := h.attendance.Delete(c.Request.Context(), p, id)
	if err != nil {
		h.fail(c, err)
		return
	}
	if h.tally != nil {
		if _, err := h.tally.Remove(c.Request.Context(), rec.SessionID, rec.StudentID); err != nil {
			h.log.Warn("tally update failed", "session_id", rec.SessionID, "student_id", rec.StudentID, "error", err)
		}
	}
	c.JSON(http.StatusOK, gin.H{"message": "Attendance deleted"})
}

func (h *Handler) DeleteSessionAttendance(c *gin.Context) {
	id, ok := h.pathID(c, "session_id")
	if !ok {
		return
	}
	p, _ := auth.FromContext(c)
	n, err := h.attendance.DeleteBySession(c.Request.Context(), p, id)
	if err != nil {
		h.fail(c, err)
		return
	}
	h.resetTally(c, id)
	c.JSON(http.StatusOK, gin.H{"message": "Deleted successfully", "deleted": n})
}

func (h *Handler) resetTally(c *gin.Context, sessionID int64) {
	if h.tally == nil {
		return
	}
	if err := h.tally.Reset(c.Request.Context(), sessionID); err != nil {
		h.log.Warn("tally reset failed", "session_id", sessionID, "error", err)
	}
}

func filterFromQuery(c *gin.Context) (attendance.Filter, error) {
	var f attendance.Filter
	var err error
	if f.CourseID, err = queryID(c, "course_id"); err != nil {
		return f, err
	}
	if f.SessionID, err = queryID(c, "session_id"); err != nil {
		return f, err
	}
	f.IndexNumber = strings.TrimSpace(c.Query("index_number"))
	if f.From, err = queryTime(c, "from"); err != nil {
		return f, err
	}
	if f.To, err = queryTime(c, "to"); err != nil {
		return f, err
	}
	return f, nil
}

// queryID parses an optional positive id query parameter; absent yields 0.
func queryID(c *gin.Context, name string) (int64, error) {
	raw := strings.TrimSpace(c.Query(name))
	if raw == "" {
		return 0, nil
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, apperror.InvalidInput("Invalid " + name)
	}
	return id, nil
}

// queryInt parses an optional integer query parameter, returning def when absent.
func queryInt(c *gin.Context, name string, def int) (int, error) {
	raw := strings.TrimSpace(c.Query(name))
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, apperror.InvalidInput("Invalid " + name)
	}
	return n, nil
}

// queryTime parses an optional timestamp or date query parameter.
func queryTime(c *gin.Context, name string) (time.Time, error) {
	raw := strings.TrimSpace(c.Query(name))
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.DateOnly, raw); err == nil {
		return t, nil
	}
	t, err := session.ParseExpiry(raw)
	if err != nil {
		return time.Time{}, apperror.InvalidInput("Invalid " + name + " date")
	}
	return t, nil
}
