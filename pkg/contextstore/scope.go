package contextstore

import (
	"errors"
	"fmt"
	"strings"

	"github.com/1rokoko/hotel-boost-sub006/pkg/constants"
)

// ErrInvalidScope marks a malformed scope. It is a programming error and is never retried.
var ErrInvalidScope = errors.New("invalid context scope")

// Owner says whether a scope hangs off a conversation or a guest
type Owner string

const (
	OwnerConversation Owner = "conv"
	OwnerGuest        Owner = "guest"
)

// Logical sub-maps sharing the store
const (
	MapCurrentRequest = "current_request"
	MapCollectedInfo  = "collected_info"
	MapIntentHistory  = "intent_history"
	MapPendingActions = "pending_actions"
	MapSession        = "session"
	MapRecord         = "record"
	MapEscalation     = "escalation"
	MapPreferences    = "preferences"
	MapAnchors        = "anchors"
	MapFirings        = "firings"
)

var knownMaps = map[Owner]map[string]bool{
	OwnerConversation: {
		MapCurrentRequest: true,
		MapCollectedInfo:  true,
		MapIntentHistory:  true,
		MapPendingActions: true,
		MapSession:        true,
		MapRecord:         true,
		MapEscalation:     true,
	},
	OwnerGuest: {
		MapPreferences: true,
		MapAnchors:     true,
		MapFirings:     true,
		MapSession:     true,
	},
}

// Scope addresses one logical sub-map of one conversation or guest
type Scope struct {
	Owner Owner
	ID    string
	Map   string
}

func ConversationScope(conversationID, name string) Scope {
	return Scope{Owner: OwnerConversation, ID: conversationID, Map: name}
}

func GuestScope(guestID, name string) Scope {
	return Scope{Owner: OwnerGuest, ID: guestID, Map: name}
}

func (s Scope) Validate() error {
	maps, ok := knownMaps[s.Owner]
	if !ok {
		return fmt.Errorf("%w: unknown owner %q", ErrInvalidScope, s.Owner)
	}
	if s.ID == "" {
		return fmt.Errorf("%w: empty %s id", ErrInvalidScope, s.Owner)
	}
	if !maps[s.Map] {
		return fmt.Errorf("%w: unknown map %q for %s", ErrInvalidScope, s.Map, s.Owner)
	}
	return nil
}

func (s Scope) String() string {
	return fmt.Sprintf("%s:%s:%s", s.Owner, s.ID, s.Map)
}

func (s Scope) prefix() string {
	return fmt.Sprintf("%s:%s:%s:%s:", constants.ContextKeyPrefix, s.Owner, s.ID, s.Map)
}

func (s Scope) key(name string) string {
	return s.prefix() + name
}

func (s Scope) pattern() string {
	return escapeGlob(s.prefix()) + "*"
}

// escapeGlob protects ids containing SCAN glob metacharacters.
func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteRune('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
