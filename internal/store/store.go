package store

import (
	"context"
	"errors"

	"github.com/seantiz/runctx/internal/model"
)

// ErrInvalidTransition is returned when a session status transition is not allowed.
var ErrInvalidTransition = errors.New("invalid status transition")

// SessionStats holds aggregate session statistics.
type SessionStats struct {
	Total         int            `json:"total"`
	CountByStatus map[string]int `json:"count_by_status"`
	CountByDevice map[string]int `json:"count_by_device"`
	Fallbacks     int            `json:"fallbacks"`
}

// StatusUpdate describes a session status transition.
type StatusUpdate struct {
	Status     string
	Iterations *int
	Error      string
}

// Store defines the persistence operations for sessions.
type Store interface {
	CreateSession(ctx context.Context, s *model.Session) error
	GetSession(ctx context.Context, id string) (*model.Session, error)
	ListSessions(ctx context.Context, limit, offset int) ([]*model.Session, int, error)
	UpdateSessionStatus(ctx context.Context, id string, u StatusUpdate) error
	GetSessionStats(ctx context.Context) (*SessionStats, error)
	Ping(ctx context.Context) error
	Close() error
}
