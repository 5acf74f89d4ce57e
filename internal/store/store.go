// Package store names the full persistence surface of the engine. Components
// depend on the narrower repositories declared next to their domain types;
// Store exists for wiring a single backend into all of them.
package store

import (
	"github.com/memohai/supportdesk/internal/archive"
	"github.com/memohai/supportdesk/internal/conversation"
	"github.com/memohai/supportdesk/internal/message"
)

// Store is implemented by the postgres and memory backends.
type Store interface {
	conversation.Repository
	message.Repository
	archive.Store
}
