// Package attendance decides and records geofenced attendance submissions.
package attendance

import "time"

// StatusPresent is the only status an admission records.
const StatusPresent = "present"

// Record is a stored attendance row.
type Record struct {
	ID        int64     `json:"id"`
	StudentID int64     `json:"student_id"`
	SessionID int64     `json:"session_id"`
	CreatedAt time.Time `json:"timestamp"`
	Latitude  *float64  `json:"latitude,omitempty"`
	Longitude *float64  `json:"longitude,omitempty"`
	Status    string    `json:"status"`
}

// Entry is a record joined with its student, session and course for listings and export.
type Entry struct {
	Record
	IndexNumber string `json:"index_number"`
	FullName    string `json:"full_name"`
	SessionCode string `json:"session_code"`
	CourseID    *int64 `json:"course_id,omitempty"`
	CourseCode  string `json:"course_code,omitempty"`
}

// Filter narrows listings; zero fields are ignored.
type Filter struct {
	CourseID    int64
	SessionID   int64
	IndexNumber string
	StudentID   int64
	From        time.Time
	To          time.Time
}

// Summary counts the attendance visible to an admin.
type Summary struct {
	Courses           int64 `json:"courses"`
	Sessions          int64 `json:"sessions"`
	AttendanceRecords int64 `json:"attendance_records"`
	StudentsMarked    int64 `json:"students_marked"`
}

// DailyCount is the number of admissions on one UTC day.
type DailyCount struct {
	Date            string `json:"date"`
	AttendanceCount int64  `json:"attendance_count"`
}

// CourseSummary counts one course's sessions and admissions.
type CourseSummary struct {
	CourseID        int64  `json:"course_id"`
	CourseName      string `json:"course_name"`
	SessionsCount   int64  `json:"sessions_count"`
	TotalAttendance int64  `json:"total_attendance"`
	StudentsMarked  int64  `json:"students_marked"`
}

// StudentCount is a student's admission count within a course.
type StudentCount struct {
	StudentID       int64  `json:"student_id"`
	IndexNumber     string `json:"index_number"`
	FullName        string `json:"full_name"`
	AttendanceCount int64  `json:"attendance_count"`
}

// Position is a latitude and longitude pair in degrees.
type Position struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// GeoInsight places one admission relative to its session's geofence. Distance is nil when the
// submission carried no position.
type GeoInsight struct {
	AttendanceID    int64     `json:"attendance_id"`
	SessionID       int64     `json:"session_id"`
	SessionLocation Position  `json:"session_location"`
	Radius          float64   `json:"radius"`
	StudentLocation *Position `json:"student_location"`
	Distance        *float64  `json:"distance"`
	WithinRadius    *bool     `json:"within_radius"`
}

// CourseDashboard bundles a course's summary, a week of daily counts, its top students and geo insights.
type CourseDashboard struct {
	Summary         CourseSummary  `json:"summary"`
	AttendanceTrend []DailyCount   `json:"attendance_trend"`
	TopStudents     []StudentCount `json:"top_students"`
	GeoInsights     []GeoInsight   `json:"geo_insights"`
}
