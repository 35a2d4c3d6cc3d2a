package collab

import (
	"errors"
	"time"
)

var (
	ErrNotFound  = errors.New("document not found")
	ErrPublished = errors.New("document already published")
)

// Document statuses.
const (
	StatusDraft     = "draft"
	StatusPublished = "published"
)

// Document is one collaboratively written blog post. The join token is the
// secret pupils receive; the document id doubles as the relay room name.
type Document struct {
	ID        string    `bson:"_id" json:"id"`
	Token     string    `bson:"token" json:"-"`
	Title     string    `bson:"title" json:"title"`
	Status    string    `bson:"status" json:"status"`
	Authors   []Author  `bson:"authors" json:"authors"`
	CreatedAt time.Time `bson:"createdAt" json:"createdAt"`
	UpdatedAt time.Time `bson:"updatedAt" json:"updatedAt"`
}

// Author is a participant identity handed out on join: pupils do not have
// accounts, they get a fresh id, their chosen display name and an assigned
// cursor color.
type Author struct {
	ID       string    `bson:"id" json:"id"`
	Name     string    `bson:"name" json:"name"`
	Color    string    `bson:"color" json:"color"`
	JoinedAt time.Time `bson:"joinedAt" json:"joinedAt"`
}

// cursorPalette is the pool join assigns participant colors from.
var cursorPalette = []string{
	"#e91e63", "#9c27b0", "#3f51b5", "#03a9f4",
	"#009688", "#4caf50", "#ff9800", "#795548",
}
