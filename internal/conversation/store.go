package conversation

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultStateTTL   = 24 * time.Hour
	DefaultSessionTTL = time.Hour
)

// ErrNotFound is returned by stores for unknown conversation ids.
var ErrNotFound = errors.New("conversation: not found")

// Store persists conversation state with a TTL and indexes active sessions
// by (channel, identity hash).
type Store interface {
	// GetOrCreate returns the active conversation for the sender, creating one
	// when no session exists or the session points at a missing record.
	GetOrCreate(ctx context.Context, channel, identity string) (st *State, isNew bool, err error)
	// Create always starts a fresh conversation and points the session at it.
	Create(ctx context.Context, channel, identity string) (*State, error)
	Load(ctx context.Context, id string) (*State, bool, error)
	// Save writes the record and refreshes both the state and session TTLs.
	Save(ctx context.Context, st *State) error
	Delete(ctx context.Context, id string) (bool, error)
	CountActive(ctx context.Context) (int, error)
	Lookup(ctx context.Context, channel, identity string) (Session, bool, error)
	ExtendSession(ctx context.Context, channel, identity string) (bool, error)
	// DeleteExpired removes expired records and sessions, returning how many
	// rows went away.
	DeleteExpired(ctx context.Context) (int, error)
	Ping(ctx context.Context) error
}

// Session is the index entry for a sender's active conversation.
type Session struct {
	ConversationID string
	Channel        string
	IdentityHash   string
	TTL            time.Duration
}

// Locker serializes work on a single conversation across workers.
type Locker interface {
	// Lock blocks until the key is held or ctx ends. The returned func
	// releases it.
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// Hasher derives the stored identity hash for a sender.
type Hasher struct {
	salt []byte
}

// NewHasher returns a Hasher keyed by salt.
func NewHasher(salt string) Hasher {
	return Hasher{salt: []byte(salt)}
}

// Hash returns the first 32 hex chars of HMAC-SHA256(salt, identity).
func (h Hasher) Hash(identity string) string {
	mac := hmac.New(sha256.New, h.salt)
	mac.Write([]byte(identity))
	return hex.EncodeToString(mac.Sum(nil))[:32]
}

// NewID returns a fresh conversation id.
func NewID() string {
	u := uuid.New()
	return "conv_" + strings.ReplaceAll(u.String(), "-", "")[:16]
}

// SessionKey is the composite key of a session index entry.
func SessionKey(channel, identityHash string) string {
	return channel + ":" + identityHash
}
