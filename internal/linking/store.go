package linking

import (
	"context"
	"errors"
	"time"

	"github.com/mhmd-249/cbi/internal/conversation"
)

// ErrDuplicateLink is returned by SaveLink when the pair already has a link
// of that type.
var ErrDuplicateLink = errors.New("linking: duplicate link")

// ErrDuplicateReport is returned by SaveReport when another report already
// exists for the same conversation.
var ErrDuplicateReport = errors.New("linking: conversation already has a report")

// Store is the report history the engine reads and appends to.
type Store interface {
	// SaveReport stores r. A conversation has at most one report: saving a
	// report with a new ID for a conversation that already has one returns
	// ErrDuplicateReport. Reports without a conversation ID are not checked.
	SaveReport(ctx context.Context, r *Report) error
	GetReport(ctx context.Context, id string) (*Report, bool, error)
	// ReportForConversation returns the report finalized for conversationID.
	ReportForConversation(ctx context.Context, conversationID string) (*Report, bool, error)
	// Recent returns reports for disease created at or after since, newest
	// first, at most limit.
	Recent(ctx context.Context, disease conversation.Disease, since time.Time, limit int) ([]*Report, error)
	// SaveLink stores l unless the unordered pair already has a link of the
	// same type, in which case it returns ErrDuplicateLink.
	SaveLink(ctx context.Context, l Link) error
	LinksFor(ctx context.Context, reportID string) ([]Link, error)
	Ping(ctx context.Context) error
}
