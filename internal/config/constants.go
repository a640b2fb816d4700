package config

import "time"

// DefaultNodeID is used for single-node deployments without NODE_ID.
const DefaultNodeID = "local"

// Database connection pool settings
const (
	DBMaxOpenConns    = 25
	DBMaxIdleConns    = 5
	DBConnMaxLifetime = 5 * time.Minute
)

// HTTP server timeouts
const (
	ServerRequestTimeout  = 60 * time.Second
	ServerReadTimeout     = 15 * time.Second
	ServerIdleTimeout     = 120 * time.Second
	ServerShutdownTimeout = 30 * time.Second
)

// Database ping timeout for health checks
const DBPingTimeout = 5 * time.Second

// Background job intervals
const CleanupJobInterval = 5 * time.Minute

// Session actor buffers
const (
	SessionMailboxSize   = 256
	SessionMaxRedelivery = 3
)

// Collaborator call timeouts
const (
	PushNotifyTimeout  = 5 * time.Second
	BackendCallTimeout = 5 * time.Second
)

// Presence replication: local records are republished on the refresh
// interval and remote records older than the stale window are ignored.
const (
	PresenceRefreshInterval = 30 * time.Second
	PresenceStaleAfter      = 3 * PresenceRefreshInterval
)

// EndedCallRetention keeps ended calls addressable for late requests.
const EndedCallRetention = 30 * time.Second

// Cluster-wide call handling: forwarded call operations wait up to
// ClusterCallTimeout and huddle claims expire after HuddleClaimTTL.
const (
	ClusterCallTimeout = 5 * time.Second
	HuddleClaimTTL     = 24 * time.Hour
)
