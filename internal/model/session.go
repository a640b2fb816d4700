package model

import "time"

// SessionInfo is a read-only snapshot of a session actor.
type SessionInfo struct {
	ID           string       `json:"id"`
	UserID       string       `json:"userId"`
	DeviceID     string       `json:"deviceId"`
	DeviceClass  DeviceClass  `json:"deviceClass"`
	State        SessionState `json:"state"`
	RemoteAddr   string       `json:"remoteAddr,omitempty"`
	CreatedAt    time.Time    `json:"createdAt"`
	LastActivity time.Time    `json:"lastActivity"`
	PendingAcks  int          `json:"pendingAcks"`
}
