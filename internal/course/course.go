// Package course stores courses and course representative grants.
package course

// Course is a lecturer-owned course.
type Course struct {
	ID         int64  `json:"id"`
	Code       string `json:"course_code"`
	Name       string `json:"course_name"`
	Department string `json:"department"`
	Semester   string `json:"semester"`
	LecturerID int64  `json:"lecturer_id"`
}

// RepAccess grants a course representative access to a lecturer's course.
type RepAccess struct {
	ID       int64 `json:"id"`
	RepID    int64 `json:"rep_id"`
	CourseID int64 `json:"course_id"`
	Approved bool  `json:"approved_by_lecturer"`
}
