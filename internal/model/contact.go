package model

import "time"

// SessionWindow is how long after the last incoming message free-form
// replies are allowed.
const SessionWindow = 24 * time.Hour

type Contact struct {
	ID                int64      `json:"id"`
	ChannelID         int64      `json:"channelId"`
	Phone             string     `json:"phone"`
	Name              *string    `json:"name,omitempty"`
	UnreadCount       int        `json:"unreadCount"`
	LastMessageAt     *time.Time `json:"lastMessageAt,omitempty"`
	SessionExpiresAt  *time.Time `json:"sessionExpiresAt,omitempty"`
	SessionNotifiedAt *time.Time `json:"-"`
	CreatedAt         time.Time  `json:"createdAt"`
	UpdatedAt         time.Time  `json:"updatedAt"`
}
