// Package project stores the catalogue of working directories that sessions
// run in. The catalogue backs the UI's project picker; sessions reference a
// project and default their working directory to its path.
package project

import "time"

// Project is a named working directory available for new sessions.
type Project struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Path      string    `json:"path"`
	Archived  bool      `json:"archived"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ListOptions filters List results.
type ListOptions struct {
	// Query matches against name and path (case-insensitive substring).
	Query string
	// IncludeArchived includes archived projects in the result.
	IncludeArchived bool
}
