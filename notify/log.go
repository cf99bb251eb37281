package notify

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/dgt/seed-ledger/ledger"
)

// Log writes every event to a zap logger. Used when no webhook is set.
type Log struct {
	log *zap.Logger
}

func NewLog(log *zap.Logger) *Log {
	if log == nil {
		log = zap.NewNop()
	}
	return &Log{log: log.Named("notify")}
}

func (l *Log) Notify(_ context.Context, e ledger.Event) error {
	l.log.Info("ledger event",
		zap.String("event", string(e.Type)),
		zap.String("subject", e.SubjectID),
		zap.String("status", e.Status),
		zap.String("partition", e.Partition.String()),
		zap.String("quantity", e.Quantity.String()),
		zap.String("actor", e.Actor))
	return nil
}

// Multi delivers to every notifier and joins their errors.
type Multi []ledger.Notifier

func (m Multi) Notify(ctx context.Context, e ledger.Event) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
