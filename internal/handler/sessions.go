package handler

import (
	"math"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"geopresence/internal/apperror"
	"geopresence/internal/auth"
	"geopresence/internal/session"
)

// ---------- Sessions ----------

type createSessionRequest struct {
	CourseID  int64          `json:"course_id"`
	Latitude  FlexibleString `json:"latitude"`
	Longitude FlexibleString `json:"longitude"`
	Radius    FlexibleString `json:"radius"`
	Duration  FlexibleString `json:"duration"`
}

func (h *Handler) CreateSession(c *gin.Context) {
	var req createSessionRequest
	if !h.bind(c, &req) {
		return
	}
	radius, errR := optFloat(req.Radius)
	duration, errD := optInt(req.Duration)
	if errR != nil || errD != nil {
		h.fail(c, apperror.InvalidInput("Invalid radius or duration"))
		return
	}
	lat, errLat := optFloat(req.Latitude)
	lon, errLon := optFloat(req.Longitude)
	if errLat != nil || errLon != nil {
		h.fail(c, apperror.InvalidInput("Invalid latitude or longitude"))
		return
	}

	p, _ := auth.FromContext(c)
	code, err := h.sessions.CreateFromCoordinates(c.Request.Context(), p, session.CoordinatesInput{
		CourseID:        req.CourseID,
		Latitude:        lat,
		Longitude:       lon,
		Radius:          radius,
		DurationMinutes: duration,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"message":    "Session created successfully",
		"id":         code.ID,
		"code":       code.Code,
		"expires_at": code.ExpiresAt,
		"course_id":  code.CourseID,
	})
}

type createWithLocationRequest struct {
	CourseID     int64  `json:"course_id"`
	LocationCode string `json:"location_code"`
	ExpiresAt    string `json:"expires_at"`
}

func (h *Handler) CreateSessionWithLocation(c *gin.Context) {
	var req createWithLocationRequest
	if !h.bind(c, &req) {
		return
	}
	p, _ := auth.FromContext(c)
	code, err := h.sessions.CreateFromLocation(c.Request.Context(), p, session.LocationInput{
		CourseID:     req.CourseID,
		LocationCode: req.LocationCode,
		ExpiresAt:    req.ExpiresAt,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"message":      "Session created successfully",
		"id":           code.ID,
		"session_code": code.Code,
		"expires_at":   code.ExpiresAt,
		"course_id":    code.CourseID,
	})
}

// sessionView adds the derived state to a stored code.
type sessionView struct {
	session.Code
	State session.State `json:"state"`
}

func (h *Handler) views(codes []session.Code) []sessionView {
	now := h.sessions.Now()
	out := make([]sessionView, 0, len(codes))
	for _, code := range codes {
		out = append(out, sessionView{Code: code, State: code.StateAt(now)})
	}
	return out
}

func (h *Handler) MySessions(c *gin.Context) {
	p, _ := auth.FromContext(c)
	codes, err := h.sessions.ListMine(c.Request.Context(), p)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": h.views(codes)})
}

func (h *Handler) CourseSessions(c *gin.Context) {
	courseID, ok := h.pathID(c, "course_id")
	if !ok {
		return
	}
	p, _ := auth.FromContext(c)
	codes, err := h.sessions.ListForCourse(c.Request.Context(), p, courseID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": h.views(codes)})
}

func (h *Handler) GetSession(c *gin.Context) {
	id, ok := h.pathID(c, "id")
	if !ok {
		return
	}
	p, _ := auth.FromContext(c)
	code, err := h.sessions.Get(c.Request.Context(), p, id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, h.views([]session.Code{code})[0])
}

func (h *Handler) DeleteSession(c *gin.Context) {
	id, ok := h.pathID(c, "id")
	if !ok {
		return
	}
	p, _ := auth.FromContext(c)
	if err := h.sessions.Delete(c.Request.Context(), p, id); err != nil {
		h.fail(c, err)
		return
	}
	h.resetTally(c, id)
	c.JSON(http.StatusOK, gin.H{"message": "Session deleted successfully"})
}

// ---------- Locations ----------

type createLocationRequest struct {
	Code      string         `json:"location_code"`
	Latitude  FlexibleString `json:"latitude"`
	Longitude FlexibleString `json:"longitude"`
	Radius    FlexibleString `json:"radius"`
}

func (h *Handler) CreateLocation(c *gin.Context) {
	var req createLocationRequest
	if !h.bind(c, &req) {
		return
	}
	lat, errLat := optFloat(req.Latitude)
	lon, errLon := optFloat(req.Longitude)
	if errLat != nil || errLon != nil || lat == nil || lon == nil {
		h.fail(c, apperror.InvalidInput("Invalid latitude or longitude"))
		return
	}
	radius, err := optFloat(req.Radius)
	if err != nil {
		h.fail(c, apperror.InvalidInput("radius must be positive"))
		return
	}
	in := session.LocationCreateInput{Code: req.Code, Latitude: *lat, Longitude: *lon}
	if radius != nil {
		in.Radius = *radius
	}
	p, _ := auth.FromContext(c)
	loc, err := h.sessions.CreateLocation(c.Request.Context(), p, in)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message": "Location created", "location": loc})
}

func (h *Handler) ListLocations(c *gin.Context) {
	p, _ := auth.FromContext(c)
	locs, err := h.sessions.ListLocations(c.Request.Context(), p)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"locations": nonNil(locs)})
}

func (h *Handler) DeleteLocation(c *gin.Context) {
	id, ok := h.pathID(c, "id")
	if !ok {
		return
	}
	p, _ := auth.FromContext(c)
	if err := h.sessions.DeleteLocation(c.Request.Context(), p, id); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Location deleted"})
}

// optFloat parses an optional number; an empty value yields nil.
func optFloat(fs FlexibleString) (*float64, error) {
	if fs == "" {
		return nil, nil
	}
	v, err := strconv.ParseFloat(fs.String(), 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return nil, apperror.InvalidInput("not a number")
	}
	return &v, nil
}

// optInt parses an optional whole number; "10" and 10.0 are both accepted.
func optInt(fs FlexibleString) (*int, error) {
	f, err := optFloat(fs)
	if err != nil || f == nil {
		return nil, err
	}
	if *f != math.Trunc(*f) || math.Abs(*f) > math.MaxInt32 {
		return nil, apperror.InvalidInput("not a whole number")
	}
	v := int(*f)
	return &v, nil
}
