package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"geopresence/internal/account"
	"geopresence/internal/auth"
)

// ---------- Admin accounts ----------

func (h *Handler) RegisterAdmin(c *gin.Context) {
	var req account.RegisterInput
	if !h.bind(c, &req) {
		return
	}
	admin, err := h.accounts.Register(c.Request.Context(), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message": "Registration successful", "user": admin})
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (h *Handler) Login(c *gin.Context) {
	var req loginRequest
	if !h.bind(c, &req) {
		return
	}
	sess, err := h.accounts.Login(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		h.fail(c, err)
		return
	}
	body := tokenBody(sess.Tokens)
	body["message"] = "Login successful"
	body["user"] = sess.Admin
	c.JSON(http.StatusOK, body)
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token" binding:"required"`
}

func (h *Handler) Refresh(c *gin.Context) {
	var req refreshRequest
	if !h.bind(c, &req) {
		return
	}
	sess, err := h.accounts.Refresh(c.Request.Context(), req.RefreshToken)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, tokenBody(sess.Tokens))
}

func (h *Handler) Logout(c *gin.Context) {
	var req refreshRequest
	// An empty body still logs out.
	_ = c.ShouldBindJSON(&req)
	if err := h.accounts.Logout(c.Request.Context(), req.RefreshToken); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Logged out successfully"})
}

func (h *Handler) Profile(c *gin.Context) {
	p, _ := auth.FromContext(c)
	admin, err := h.accounts.Profile(c.Request.Context(), p)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, admin)
}

// ---------- Students ----------

type studentLoginRequest struct {
	IndexNumber string `json:"index_number"`
	Email       string `json:"email"`
}

func (h *Handler) StudentLogin(c *gin.Context) {
	var req studentLoginRequest
	if !h.bind(c, &req) {
		return
	}
	sess, err := h.accounts.StudentLogin(c.Request.Context(), req.IndexNumber, req.Email)
	if err != nil {
		h.fail(c, err)
		return
	}
	body := tokenBody(sess.Tokens)
	body["message"] = "Login successful"
	body["student"] = sess.Student
	c.JSON(http.StatusOK, body)
}

func (h *Handler) CreateStudent(c *gin.Context) {
	var req account.StudentInput
	if !h.bind(c, &req) {
		return
	}
	p, _ := auth.FromContext(c)
	st, err := h.accounts.CreateStudent(c.Request.Context(), p, req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message": "Student registered", "student": st})
}

func (h *Handler) StudentAttendance(c *gin.Context) {
	p, _ := auth.FromContext(c)
	entries, err := h.attendance.ForStudent(c.Request.Context(), p)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"attendance": nonNil(entries)})
}

func tokenBody(t auth.TokenPair) gin.H {
	return gin.H{
		"access_token":  t.AccessToken,
		"refresh_token": t.RefreshToken,
		"access_exp":    t.AccessExp.Unix(),
		"refresh_exp":   t.RefreshExp.Unix(),
	}
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
