package constants

import "time"

// Context store TTL defaults
const (
	// DefaultConversationTTL - conversation-scoped context entries
	DefaultConversationTTL = 7 * 24 * time.Hour

	// GuestPreferenceTTLMultiplier - guest preferences outlive conversations by this factor
	GuestPreferenceTTLMultiplier = 30

	// DefaultSessionTTL - short-lived session data
	DefaultSessionTTL = 1 * time.Hour

	// FiringMarkerTTL - how long an at-most-once firing marker is kept
	FiringMarkerTTL = 30 * 24 * time.Hour
)

// Bounded collections inside a conversation context
const (
	IntentHistorySize = 20
	MaxPendingActions = 50
)

// Escalation rule defaults
const (
	DefaultSentimentThreshold       = -0.5
	DefaultSentimentConfidenceFloor = 0.7
	DefaultUrgencyCeiling           = 4
	DefaultRepeatedIntentCount      = 3
	DefaultRepeatedIntentWindow     = 5
)

// Classifier bounds
const (
	MinUrgency = 1
	MaxUrgency = 5
)

// Retry defaults for outbound collaborators
const (
	DefaultDeliveryAttempts     = 3
	DefaultDeliveryBackoff      = 500 * time.Millisecond
	DefaultNotificationAttempts = 3
	DefaultCollaboratorTimeout  = 8 * time.Second
)

// Leader election and background loops
const (
	DefaultLeaderElectionTTLSeconds      = 10
	DefaultLeaderElectionIntervalSeconds = 5
	ContextInspectionInterval            = 1 * time.Hour
	NotificationRecoveryInterval         = 30 * time.Second
	NotificationMinIdle                  = 1 * time.Minute
)

// Redis key prefixes and names
const (
	ContextKeyPrefix         = "ctx"
	ConversationLockPrefix   = "lock:conversation:"
	LeaderElectionKey        = "triggers:leader"
	TriggerScheduleKey       = "trigger_schedule"
	StaffNotificationsStream = "staff_notifications"
)

// PreferenceTTL derives the guest preference TTL from a conversation TTL
func PreferenceTTL(conversationTTL time.Duration) time.Duration {
	return conversationTTL * GuestPreferenceTTLMultiplier
}
