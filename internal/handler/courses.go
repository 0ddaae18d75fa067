package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"geopresence/internal/auth"
	"geopresence/internal/course"
)

// ---------- Courses ----------

func (h *Handler) CreateCourse(c *gin.Context) {
	var req course.Input
	if !h.bind(c, &req) {
		return
	}
	p, _ := auth.FromContext(c)
	created, err := h.courses.Create(c.Request.Context(), p, req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message": "Course added", "course": created})
}

func (h *Handler) ListCourses(c *gin.Context) {
	p, _ := auth.FromContext(c)
	list, err := h.courses.List(c.Request.Context(), p, c.Query("search"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"courses": nonNil(list)})
}

func (h *Handler) GetCourse(c *gin.Context) {
	id, ok := h.pathID(c, "id")
	if !ok {
		return
	}
	p, _ := auth.FromContext(c)
	got, err := h.courses.Get(c.Request.Context(), p, id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, got)
}

func (h *Handler) UpdateCourse(c *gin.Context) {
	id, ok := h.pathID(c, "id")
	if !ok {
		return
	}
	var req course.Input
	if !h.bind(c, &req) {
		return
	}
	p, _ := auth.FromContext(c)
	updated, err := h.courses.Update(c.Request.Context(), p, id, req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Course updated successfully", "course": updated})
}

func (h *Handler) DeleteCourse(c *gin.Context) {
	id, ok := h.pathID(c, "id")
	if !ok {
		return
	}
	p, _ := auth.FromContext(c)
	if err := h.courses.Delete(c.Request.Context(), p, id); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Course deleted successfully"})
}

type grantRepRequest struct {
	RepID int64 `json:"rep_id" binding:"required,gt=0"`
}

func (h *Handler) GrantRep(c *gin.Context) {
	id, ok := h.pathID(c, "id")
	if !ok {
		return
	}
	var req grantRepRequest
	if !h.bind(c, &req) {
		return
	}
	p, _ := auth.FromContext(c)
	if err := h.courses.GrantRep(c.Request.Context(), p, id, req.RepID); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message": "Rep access requested"})
}

func (h *Handler) ApproveRep(c *gin.Context) {
	id, ok := h.pathID(c, "id")
	if !ok {
		return
	}
	repID, ok := h.pathID(c, "rep_id")
	if !ok {
		return
	}
	p, _ := auth.FromContext(c)
	if err := h.courses.ApproveRep(c.Request.Context(), p, id, repID); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Rep access approved"})
}
