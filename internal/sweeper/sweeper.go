// Package sweeper deletes expired disappearing messages on a fixed cadence
// and notifies both participants of each removal.
package sweeper

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.uber.org/zap"

	"github.com/mpetrov/chatcore/internal/data"
	"github.com/mpetrov/chatcore/internal/hub"
	"github.com/mpetrov/chatcore/internal/relay"
)

// Defaults when the config leaves them unset.
const (
	DefaultInterval  = 30 * time.Second
	DefaultBatchSize = 100
)

// MessageStore is the slice of the messages store the sweeper needs.
type MessageStore interface {
	FindExpired(ctx context.Context, now time.Time, batch int64) ([]*data.Message, error)
	DeleteByIDs(ctx context.Context, ids []bson.ObjectID) (int64, error)
}

// Fanout is the slice of the hub the sweeper needs.
type Fanout interface {
	SendToUser(userID string, ev hub.Event) int
}

// Sweeper is the periodic expiry task. It is independent of any connection
// and keeps running through transient store errors.
type Sweeper struct {
	msgs     MessageStore
	hub      Fanout
	interval time.Duration
	batch    int64
	log      *zap.SugaredLogger
}

// New returns a sweeper. Non-positive interval/batch fall back to defaults.
func New(msgs MessageStore, fanout Fanout, interval time.Duration, batch int64, log *zap.SugaredLogger) *Sweeper {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if batch <= 0 {
		batch = DefaultBatchSize
	}
	return &Sweeper{msgs: msgs, hub: fanout, interval: interval, batch: batch, log: log}
}

// Run sweeps once immediately, then on every tick until ctx is cancelled.
// Already-expired rows therefore disappear without waiting a full interval.
func (s *Sweeper) Run(ctx context.Context) {
	s.log.Infow("expiry sweeper running", "interval", s.interval, "batchSize", s.batch)

	if err := s.Sweep(ctx); err != nil {
		s.log.Errorw("expiry sweep failed", "error", err)
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.Sweep(ctx); err != nil {
				s.log.Errorw("expiry sweep failed", "error", err)
			}
		case <-ctx.Done():
			s.log.Info("expiry sweeper stopped")
			return
		}
	}
}

// Sweep performs one pass: find up to batch expired rows, delete them in one
// set-based operation, then notify both participants of each deleted row.
// Zero matches is a no-op. Notification is best-effort; the delete stands
// whether or not anyone was reachable.
func (s *Sweeper) Sweep(ctx context.Context) error {
	expired, err := s.msgs.FindExpired(ctx, time.Now(), s.batch)
	if err != nil {
		return err
	}
	if len(expired) == 0 {
		return nil
	}

	ids := make([]bson.ObjectID, 0, len(expired))
	for _, m := range expired {
		ids = append(ids, m.ID)
	}

	deleted, err := s.msgs.DeleteByIDs(ctx, ids)
	if err != nil {
		return err
	}

	for _, m := range expired {
		deletion := relay.Deletion{
			MessageID: m.ID.Hex(),
			Auto:      true,
			ExpiresAt: m.ExpiresAt,
		}
		ev := hub.Event{Name: relay.EventMessageDeleted, Data: deletion}
		s.hub.SendToUser(m.SenderID.Hex(), ev)
		s.hub.SendToUser(m.ReceiverID.Hex(), ev)
	}

	s.log.Infow("auto-deleted expired messages", "count", deleted)
	return nil
}
