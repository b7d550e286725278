package store

import "time"

type User struct {
	ID                    string
	DisplayName           string
	Email                 string
	PasswordHash          string
	IsEmailVerified       bool
	VerificationCode      string
	VerificationExpiresAt *time.Time
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// Comment is a single node of a page's comment forest. GroupingKey is
// derived from the canonical URL at write time and is the only column
// reads group by; RawURL is kept verbatim for display and audit.
type Comment struct {
	ID           string
	Content      string
	RawURL       string
	CanonicalURL string
	GroupingKey  string
	AuthorID     string
	ParentID     *string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Page is the first-seen record for a grouping key. Title and
// SnapshotObject are filled in later by the preview capture if it runs.
type Page struct {
	GroupingKey    string
	CanonicalURL   string
	Title          string
	SnapshotObject string
	FirstSeenAt    time.Time
}
