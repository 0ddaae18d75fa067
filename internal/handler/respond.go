package handler

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"geopresence/internal/apperror"
	"geopresence/internal/httpmiddleware"
)

// fail renders err as {"error": message}. Causes of internal failures are logged, never returned.
func (h *Handler) fail(c *gin.Context, err error) {
	kind := apperror.KindOf(err)
	if kind == apperror.KindFatal {
		h.log.Error("request failed",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"request_id", httpmiddleware.GetRequestID(c),
			"error", err,
		)
	}
	c.JSON(apperror.Status(kind), gin.H{"error": apperror.PublicMessage(err)})
}

// bind decodes the JSON body into dst and renders a 400 on failure.
func (h *Handler) bind(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		h.fail(c, apperror.InvalidInput("Invalid request body"))
		return false
	}
	return true
}

// pathID parses a positive integer path parameter and renders a 400 on failure.
func (h *Handler) pathID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		h.fail(c, apperror.InvalidInput("Invalid "+name))
		return 0, false
	}
	return id, true
}

// FlexibleString accepts a JSON string or number and keeps its text.
type FlexibleString string

func (fs *FlexibleString) UnmarshalJSON(data []byte) error {
	if fs == nil {
		return fmt.Errorf("FlexibleString: nil receiver")
	}
	if string(data) == "null" {
		*fs = ""
		return nil
	}

	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*fs = FlexibleString(strings.TrimSpace(s))
		return nil
	}

	var num json.Number
	if err := json.Unmarshal(data, &num); err == nil {
		*fs = FlexibleString(num.String())
		return nil
	}

	return fmt.Errorf("FlexibleString: expected string or number, got %s", string(data))
}

func (fs FlexibleString) String() string {
	return string(fs)
}
