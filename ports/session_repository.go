package ports

import (
	"context"

	"parley/domain"
)

// SessionRepository persists the durable fields of sessions.
// Implementations must tolerate a missing or corrupt store: LoadAll
// returns an empty slice rather than failing in that case.
type SessionRepository interface {
	LoadAll(ctx context.Context) ([]domain.PersistedSession, error)
	Save(ctx context.Context, session domain.PersistedSession) error
	Delete(ctx context.Context, chatID string) error
	Close() error
}
