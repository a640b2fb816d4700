package model

import "time"

// Node is a cluster peer as seen by the local membership view.
type Node struct {
	ID            string     `json:"id"`
	Status        NodeStatus `json:"status"`
	Sessions      int        `json:"sessions"`
	LastHeartbeat time.Time  `json:"lastHeartbeat"`
}
