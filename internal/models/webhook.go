package models

import "time"

// Webhook is a registered external endpoint. Each row subscribes one URL to
// one event type; the same URL may be registered for several events.
type Webhook struct {
	ID     int    `json:"id" db:"id"`
	Name   string `json:"name" db:"name"`
	URL    string `json:"url" db:"url"`
	Type   string `json:"type" db:"type"`
	Secret string `json:"-" db:"secret"`
	Active bool   `json:"active" db:"active"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}
