package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

const (
	defaultListLimit = 200
	maxListLimit     = 1000
)

// Service coordinates audit writes and the admin query surface.
type Service struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// NewService constructs a Service.
func NewService(store Store, logger *slog.Logger) *Service {
	return &Service{store: store, logger: logger, now: time.Now}
}

// Record appends an entry. Audit writes are best-effort relative to the
// primary action: failures are logged and never propagated, so a broken audit
// store cannot abort a login or a run transition.
func (s *Service) Record(ctx context.Context, entry Entry) {
	if s == nil || s.store == nil {
		return
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.OccurredAt.IsZero() {
		entry.OccurredAt = s.now().UTC()
	}
	if err := s.store.Append(ctx, &entry); err != nil {
		s.logger.Warn("audit write failed",
			slog.String("action", entry.Action),
			slog.Any("error", err))
	}
}

// List returns entries for the admin query surface, newest first.
func (s *Service) List(ctx context.Context, filter Filter) ([]Entry, error) {
	if filter.Limit <= 0 {
		filter.Limit = defaultListLimit
	}
	if filter.Limit > maxListLimit {
		filter.Limit = maxListLimit
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	return s.store.List(ctx, filter)
}
