// Package store defines the persisted schema the core relies on and a
// narrow repository interface over it. The core treats the relational
// store as an external collaborator; this package is the only thing
// standing between it and the database.
package store

import "time"

// User is a row in the users table: credential storage owned by the
// external store, read-only to the core.
type User struct {
	ID                    uint64    `gorm:"primaryKey" json:"id"`
	Username              string    `gorm:"uniqueIndex;not null" json:"username"`
	PasswordVerifier      string    `gorm:"not null" json:"-"`
	Active                bool      `gorm:"default:true" json:"active"`
	MaxConcurrentSessions int       `gorm:"not null;default:3" json:"maxConcurrentSessions"`
	CreatedAt             time.Time `json:"createdAt"`
	UpdatedAt             time.Time `json:"updatedAt"`
}

func (User) TableName() string { return "users" }

// Session is a row in the sessions table: created at Authenticated,
// updated on activity and at termination.
type Session struct {
	ID            string    `gorm:"primaryKey" json:"id"`
	UserID        uint64    `gorm:"not null;index" json:"userId"`
	AssignedIP    string    `gorm:"uniqueIndex;not null" json:"assignedIp"`
	PeerAddress   string    `gorm:"not null" json:"peerAddress"`
	Platform      string    `gorm:"not null" json:"platform"`
	ClientVersion string    `json:"clientVersion"`
	ConnectedAt   time.Time `json:"connectedAt"`
	LastActivity  time.Time `json:"lastActivity"`
	BytesSent     uint64    `gorm:"default:0" json:"bytesSent"`
	BytesReceived uint64    `gorm:"default:0" json:"bytesReceived"`
}

func (Session) TableName() string { return "sessions" }

// ConnectionLogEventType enumerates connection_logs.event_type.
type ConnectionLogEventType string

const (
	EventConnect    ConnectionLogEventType = "connect"
	EventDisconnect ConnectionLogEventType = "disconnect"
	EventAuthFail   ConnectionLogEventType = "auth_fail"
	EventError      ConnectionLogEventType = "error"
)

// ConnectionLog is a row in the connection_logs table: write-mostly
// audit trail of connection events, including failed auth attempts.
type ConnectionLog struct {
	ID          uint64                 `gorm:"primaryKey" json:"id"`
	UserID      *uint64                `gorm:"index" json:"userId,omitempty"` // nullable: auth_fail may precede user resolution
	EventType   ConnectionLogEventType `gorm:"not null" json:"eventType"`
	PeerAddress string                 `json:"peerAddress"`
	Platform    string                 `json:"platform"`
	Details     string                 `json:"details"`
	CreatedAt   time.Time              `gorm:"autoCreateTime" json:"createdAt"`
}

func (ConnectionLog) TableName() string { return "connection_logs" }
