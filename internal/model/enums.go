package model

type PresenceStatus string

const (
	StatusOnline    PresenceStatus = "online"
	StatusAway      PresenceStatus = "away"
	StatusBusy      PresenceStatus = "busy"
	StatusInvisible PresenceStatus = "invisible"
	StatusOffline   PresenceStatus = "offline"
)

// Settable reports whether a client may select the status explicitly.
func (s PresenceStatus) Settable() bool {
	switch s {
	case StatusOnline, StatusAway, StatusBusy, StatusInvisible:
		return true
	}
	return false
}

type SessionState string

const (
	SessionConnecting SessionState = "connecting"
	SessionActive     SessionState = "active"
	SessionClosing    SessionState = "closing"
	SessionTerminated SessionState = "terminated"
)

type DeviceClass string

const (
	DeviceWeb     DeviceClass = "web"
	DeviceMobile  DeviceClass = "mobile"
	DeviceDesktop DeviceClass = "desktop"
	DeviceUnknown DeviceClass = "unknown"
)

type MessageType string

const (
	MessageText     MessageType = "text"
	MessageMedia    MessageType = "media"
	MessageSystem   MessageType = "system"
	MessageCall     MessageType = "call"
	MessageEdit     MessageType = "edit"
	MessageDelete   MessageType = "delete"
	MessageReaction MessageType = "reaction"
	MessageTyping   MessageType = "typing"
	MessageRead     MessageType = "read"
)

// Message priorities, higher is more urgent.
const (
	PriorityLow    = 1
	PriorityNormal = 5
	PriorityHigh   = 10
)

// Priority derives the store-and-forward priority from the message type.
func (t MessageType) Priority() int {
	switch t {
	case MessageSystem, MessageCall:
		return PriorityHigh
	case MessageReaction:
		return PriorityLow
	default:
		return PriorityNormal
	}
}

// Ephemeral messages are only delivered to online recipients and never queued.
func (t MessageType) Ephemeral() bool {
	return t == MessageTyping || t == MessageRead
}

// Durable messages are persisted through the backend before fan-out.
func (t MessageType) Durable() bool {
	switch t {
	case MessageText, MessageMedia, MessageSystem, MessageEdit, MessageDelete:
		return true
	}
	return false
}

type DeliveryStatus string

const (
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryQueued    DeliveryStatus = "queued"
	DeliveryDropped   DeliveryStatus = "dropped"
	DeliveryError     DeliveryStatus = "error"
)

func (s DeliveryStatus) rank() int {
	switch s {
	case DeliveryDelivered:
		return 0
	case DeliveryDropped:
		return 1
	case DeliveryQueued:
		return 2
	default:
		return 3
	}
}

// Worse returns whichever of s and other is the worse outcome.
func (s DeliveryStatus) Worse(other DeliveryStatus) DeliveryStatus {
	if other.rank() > s.rank() {
		return other
	}
	return s
}

type CallType string

const (
	CallAudio CallType = "audio"
	CallVideo CallType = "video"
)

type CallState string

const (
	CallRinging CallState = "ringing"
	CallActive  CallState = "active"
	CallOnHold  CallState = "on_hold"
	CallEnded   CallState = "ended"
)

type ParticipantState string

const (
	ParticipantInvited      ParticipantState = "invited"
	ParticipantConnected    ParticipantState = "connected"
	ParticipantDisconnected ParticipantState = "disconnected"
	ParticipantRejected     ParticipantState = "rejected"
)

type EndReason string

const (
	EndCompleted   EndReason = "completed"
	EndRejected    EndReason = "rejected"
	EndMissed      EndReason = "missed"
	EndCancelled   EndReason = "cancelled"
	EndAbandoned   EndReason = "abandoned"
	EndMaxDuration EndReason = "max_duration"
	EndFailed      EndReason = "failed"
)

type MediaKind string

const (
	MediaAudio  MediaKind = "audio"
	MediaVideo  MediaKind = "video"
	MediaScreen MediaKind = "screen"
)

type NodeStatus string

const (
	NodeAlive       NodeStatus = "alive"
	NodeUnreachable NodeStatus = "unreachable"
)
