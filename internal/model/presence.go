package model

import "time"

type Presence struct {
	UserID   string         `json:"userId"`
	Status   PresenceStatus `json:"status"`
	LastSeen time.Time      `json:"lastSeen"`
	Devices  []string       `json:"devices,omitempty"`
}

func (p Presence) Online() bool {
	return p.Status != StatusOffline && p.Status != ""
}
