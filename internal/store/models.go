package store

import "time"

type User struct {
	ID           string
	DisplayName  string
	Email        string
	PasswordHash string
	Role         string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Page is the latest published snapshot of one site path.
type Page struct {
	Path      string
	HTML      string
	Title     string
	BodyText  string
	UpdatedBy string
	UpdatedAt time.Time
}

type AuditEntry struct {
	ID        int64
	Path      string
	Reason    string
	Editor    string
	Size      int
	CreatedAt time.Time
}

// Project is the structured record behind a project card.
type Project struct {
	ID        string
	Slug      string
	Title     string
	Href      string
	ImageURL  string
	UpdatedAt time.Time
}

type PasswordReset struct {
	TokenHash string
	UserID    string
	ExpiresAt time.Time
	UsedAt    *time.Time
}
