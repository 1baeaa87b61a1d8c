package v1

import "time"

// Project is the wire form of one project catalogue row.
type Project struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Path      string    `json:"path"`
	Archived  bool      `json:"archived"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CreateProjectRequest registers a directory as a project.
type CreateProjectRequest struct {
	Name string `json:"name" binding:"required,max=255"`
	Path string `json:"path" binding:"required"`
}

// UpdateProjectRequest renames or archives a project.
type UpdateProjectRequest struct {
	Name     *string `json:"name,omitempty" binding:"omitempty,max=255"`
	Archived *bool   `json:"archived,omitempty"`
}
