// Package session manages geofenced session codes and their lifecycle.
package session

import (
	"time"

	"geopresence/internal/geo"
)

// State of a session code at a point in time.
type State string

const (
	Active  State = "active"
	Expired State = "expired"
)

// Code is a time-boxed, geofenced session code.
type Code struct {
	ID        int64     `json:"id"`
	Code      string    `json:"code"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Radius    float64   `json:"geo_radius"`
	AdminID   int64     `json:"admin_id"`
	CourseID  *int64    `json:"course_id,omitempty"`
}

// StateAt reports whether the code is active at now. The expiry instant itself is still active.
func (c Code) StateAt(now time.Time) State {
	if now.After(c.ExpiresAt) {
		return Expired
	}
	return Active
}

// Expired reports whether now is past the code's expiry.
func (c Code) Expired(now time.Time) bool {
	return c.StateAt(now) == Expired
}

// Point returns the registered location.
func (c Code) Point() geo.Point {
	return geo.Point{Latitude: c.Latitude, Longitude: c.Longitude}
}

// Location is a named reference point sessions can be created from.
type Location struct {
	ID        int64   `json:"id"`
	Code      string  `json:"location_code"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Radius    float64 `json:"radius"`
}
