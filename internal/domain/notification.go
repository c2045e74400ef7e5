package domain

import (
	"github.com/google/uuid"
)

// Notification is the JSON payload delivered to the service worker.
type Notification struct {
	Title string         `json:"title"`
	Body  string         `json:"body"`
	Icon  string         `json:"icon,omitempty"`
	Badge string         `json:"badge,omitempty"`
	Tag   string         `json:"tag,omitempty"`
	Data  map[string]any `json:"data,omitempty"`
}

const (
	HistoryStatusSent          = "sent"
	HistoryStatusFailed        = "failed"
	HistoryStatusNoSubscribers = "no_subscribers"
)

// DispatchResult aggregates one sendToUser / sendToAll call.
type DispatchResult struct {
	HistoryID     uuid.UUID `json:"historyId"`
	Status        string    `json:"status"`
	Sent          int       `json:"sent"`
	Total         int       `json:"total"`
	UsersNotified int       `json:"usersNotified"`
	Skipped       int       `json:"skipped"`
	Pruned        int       `json:"pruned"`
	Errors        []string  `json:"errors,omitempty"`
}
