package api

import (
	"context"

	log "github.com/sirupsen/logrus"

	"prism-board/board-api/domain"
	"prism-board/internal/auth"
)

// Mover is the coordinator surface used by the handlers.
type Mover interface {
	Reorder(ctx context.Context, req domain.ReorderRequest) (domain.ReorderResult, error)
	Append(ctx context.Context, actorID string, item domain.OrderedItem) (domain.OrderedItem, error)
}

// ItemLister reads whole boards for the items endpoint.
type ItemLister interface {
	ListBoard(ctx context.Context, boardID string) ([]domain.OrderedItem, error)
}

// ResultStore remembers move results per idempotency key.
type ResultStore interface {
	// Lookup returns the stored response for key, if the first request completed.
	Lookup(ctx context.Context, userID, key string) ([]byte, bool, error)
	// Claim marks key as in flight and reports whether this caller owns it.
	Claim(ctx context.Context, userID, key string) (bool, error)
	Complete(ctx context.Context, userID, key string, payload []byte) error
	// Release forgets key so a failed request may be retried.
	Release(ctx context.Context, userID, key string) error
}

// Deps groups what Register needs. Results may be nil to disable idempotency keys.
type Deps struct {
	Mover   Mover
	Items   ItemLister
	Members domain.Membership
	Auth    auth.Authenticator
	Results ResultStore
	Logger  *log.Logger
}
