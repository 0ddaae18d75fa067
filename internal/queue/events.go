package queue

import (
	"encoding/json"
	"fmt"
	"time"
)

// TypeAttendanceMarked is published after a successful admission.
const TypeAttendanceMarked = "attendance.marked"

// AttendanceMarked describes an admitted attendance.
type AttendanceMarked struct {
	AttendanceID int64     `json:"attendance_id"`
	SessionID    int64     `json:"session_id"`
	StudentID    int64     `json:"student_id"`
	CourseID     *int64    `json:"course_id,omitempty"`
	Distance     float64   `json:"distance"`
	MarkedAt     time.Time `json:"marked_at"`
}

// Message encodes the event for publishing.
func (e AttendanceMarked) Message() (Message, error) {
	body, err := json.Marshal(e)
	if err != nil {
		return Message{}, fmt.Errorf("encode %s: %w", TypeAttendanceMarked, err)
	}
	return Message{Type: TypeAttendanceMarked, Body: body}, nil
}

// DecodeAttendanceMarked decodes a message published by AttendanceMarked.Message.
func DecodeAttendanceMarked(msg Message) (AttendanceMarked, error) {
	if msg.Type != TypeAttendanceMarked {
		return AttendanceMarked{}, fmt.Errorf("unexpected message type %q", msg.Type)
	}
	var e AttendanceMarked
	if err := json.Unmarshal(msg.Body, &e); err != nil {
		return AttendanceMarked{}, fmt.Errorf("decode %s: %w", TypeAttendanceMarked, err)
	}
	return e, nil
}
