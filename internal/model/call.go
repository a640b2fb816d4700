package model

import "time"

type CallParticipant struct {
	UserID     string           `json:"userId"`
	State      ParticipantState `json:"state"`
	AudioMuted bool             `json:"audioMuted"`
	VideoOff   bool             `json:"videoOff"`
	JoinedAt   *time.Time       `json:"joinedAt,omitempty"`
	LeftAt     *time.Time       `json:"leftAt,omitempty"`
}

type Call struct {
	ID                 string            `json:"callId"`
	ConversationID     string            `json:"conversationId"`
	InitiatorID        string            `json:"initiatorId"`
	Type               CallType          `json:"callType"`
	State              CallState         `json:"state"`
	Participants       []CallParticipant `json:"participants"`
	Recording          bool              `json:"recording"`
	RecordingStartedBy string            `json:"recordingStartedBy,omitempty"`
	EndReason          EndReason         `json:"endReason,omitempty"`
	EndedBy            string            `json:"endedBy,omitempty"`
	Duration           time.Duration     `json:"duration"`
	CreatedAt          time.Time         `json:"createdAt"`
	ConnectedAt        *time.Time        `json:"connectedAt,omitempty"`
	EndedAt            *time.Time        `json:"endedAt,omitempty"`
}

// Participant returns a pointer into the roster, or nil.
func (c *Call) Participant(userID string) *CallParticipant {
	for i := range c.Participants {
		if c.Participants[i].UserID == userID {
			return &c.Participants[i]
		}
	}
	return nil
}

func (c *Call) ConnectedCount() int {
	n := 0
	for _, p := range c.Participants {
		if p.State == ParticipantConnected {
			n++
		}
	}
	return n
}

func (c *Call) ParticipantIDs() []string {
	ids := make([]string, 0, len(c.Participants))
	for _, p := range c.Participants {
		ids = append(ids, p.UserID)
	}
	return ids
}

// Clone returns a deep copy safe to hand outside the owning goroutine.
func (c *Call) Clone() *Call {
	cp := *c
	cp.Participants = append([]CallParticipant(nil), c.Participants...)
	return &cp
}

type HuddleParticipant struct {
	UserID     string    `json:"userId"`
	AudioMuted bool      `json:"audioMuted"`
	VideoOff   bool      `json:"videoOff"`
	JoinedAt   time.Time `json:"joinedAt"`
}

type Huddle struct {
	ID             string              `json:"huddleId"`
	ConversationID string              `json:"conversationId"`
	CreatedBy      string              `json:"createdBy"`
	Participants   []HuddleParticipant `json:"participants"`
	ScreenSharer   string              `json:"screenSharer,omitempty"`
	Active         bool                `json:"active"`
	StartedAt      time.Time           `json:"startedAt"`
	EndedAt        *time.Time          `json:"endedAt,omitempty"`
}

func (h *Huddle) Participant(userID string) *HuddleParticipant {
	for i := range h.Participants {
		if h.Participants[i].UserID == userID {
			return &h.Participants[i]
		}
	}
	return nil
}

func (h *Huddle) ParticipantIDs() []string {
	ids := make([]string, 0, len(h.Participants))
	for _, p := range h.Participants {
		ids = append(ids, p.UserID)
	}
	return ids
}

func (h *Huddle) Clone() *Huddle {
	cp := *h
	cp.Participants = append([]HuddleParticipant(nil), h.Participants...)
	return &cp
}
