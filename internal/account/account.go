// Package account manages admins, students and their tokens.
package account

import "time"

// Admin is a lecturer or course rep who manages courses and sessions.
type Admin struct {
	ID           int64     `json:"id"`
	FullName     string    `json:"full_name"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// Student submits attendance.
type Student struct {
	ID          int64     `json:"id"`
	IndexNumber string    `json:"index_number"`
	FullName    string    `json:"full_name"`
	Email       string    `json:"email"`
	CreatedAt   time.Time `json:"created_at"`
}
