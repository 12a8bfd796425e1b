package domain

import (
	"encoding/json"
	"time"
)

// LifecycleChange is one append-only entry of a contact's lifecycle history.
type LifecycleChange struct {
	From      string
	To        string
	Timestamp time.Time
	EventID   string
}

// ContactRecord is the per-contact profile and lifecycle document.
type ContactRecord struct {
	ID               string
	Phone            string
	FirstName        string
	LastName         string
	Email            string
	Language         string
	ProfilePic       string
	CountryCode      string
	Status           string
	Tags             []string
	Assignee         json.RawMessage
	Lifecycle        string
	LifecycleHistory []LifecycleChange
	UpdatedAt        time.Time
}
