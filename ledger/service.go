/*
service.go - Shared runtime for the ledger services

PURPOSE:
  Holds the dependencies every service needs (store, master data,
  collaborators, logger, settings, clock, id source) and the plumbing
  common to every mutating operation:

    1. run the mutation inside TxStore.WithTx
    2. on success, publish domain events to the Notifier
    3. report the outcome to the Observer and the logger

  Events are collected during the transaction and only delivered after
  commit; a rolled-back operation publishes nothing.

EXAMPLE:
  svc := ledger.New(ledger.Deps{
      Store:      sqliteStore,
      MasterData: catalog,
      Notifier:   notify.NewWebhook(url, log),
      Logger:     log,
  })
  rec, err := svc.Processing.Post(ctx, recordID, actor)

SEE ALSO:
  - processing.go, reservation.go, lots.go: The services built here
*/
package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Settings are the numeric rules of the ledger.
type Settings struct {
	MassBalanceTolerance     decimal.Decimal
	PurityTolerance          decimal.Decimal
	ProcessLoss              decimal.Decimal
	EstimateAlpha            decimal.Decimal
	BalanceEstimateTolerance decimal.Decimal
}

func DefaultSettings() Settings {
	return Settings{
		MassBalanceTolerance:     DefaultMassBalanceTolerance,
		PurityTolerance:          DefaultPurityTolerance,
		ProcessLoss:              DefaultProcessLoss,
		EstimateAlpha:            DefaultEstimateAlpha,
		BalanceEstimateTolerance: DefaultBalanceEstimateTolerance,
	}
}

// withDefaults fills unset (zero) settings from DefaultSettings.
func (s Settings) withDefaults() Settings {
	def := DefaultSettings()
	pick := func(v, fallback decimal.Decimal) decimal.Decimal {
		if v.IsZero() {
			return fallback
		}
		return v
	}
	return Settings{
		MassBalanceTolerance:     pick(s.MassBalanceTolerance, def.MassBalanceTolerance),
		PurityTolerance:          pick(s.PurityTolerance, def.PurityTolerance),
		ProcessLoss:              pick(s.ProcessLoss, def.ProcessLoss),
		EstimateAlpha:            pick(s.EstimateAlpha, def.EstimateAlpha),
		BalanceEstimateTolerance: pick(s.BalanceEstimateTolerance, def.BalanceEstimateTolerance),
	}
}

// Deps are the collaborators of the ledger services. Store and
// MasterData are required; everything else has a default.
type Deps struct {
	Store      TxStore
	MasterData MasterData
	Notifier   Notifier
	Documents  DocumentStore
	Observer   Observer
	Logger     *zap.Logger
	Settings   Settings
	Now        func() time.Time
	NewID      func() string
}

// Services bundles the entry points of the ledger.
type Services struct {
	Lots         *LotLedger
	Processing   *ProcessingService
	Reservations *ReservationService
}

// New wires the services over shared dependencies.
func New(d Deps) *Services {
	rt := newRuntime(d)
	lots := &LotLedger{rt: rt}
	return &Services{
		Lots:         lots,
		Processing:   &ProcessingService{rt: rt, lots: lots},
		Reservations: &ReservationService{rt: rt, lots: lots},
	}
}

type runtime struct {
	Deps
	log *zap.Logger
}

func newRuntime(d Deps) *runtime {
	if d.Notifier == nil {
		d.Notifier = nopNotifier{}
	}
	if d.Documents == nil {
		d.Documents = nopDocuments{}
	}
	if d.Observer == nil {
		d.Observer = nopObserver{}
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Now == nil {
		d.Now = func() time.Time { return time.Now().UTC() }
	}
	if d.NewID == nil {
		d.NewID = func() string { return uuid.Must(uuid.NewV7()).String() }
	}
	d.Settings = d.Settings.withDefaults()
	return &runtime{Deps: d, log: d.Logger.Named("ledger")}
}

// outbox collects side effects to deliver after commit.
type outbox struct {
	events      []Event
	attachments []Attachment
}

func (o *outbox) emit(e Event) { o.events = append(o.events, e) }

func (o *outbox) attach(a ...Attachment) { o.attachments = append(o.attachments, a...) }

// mutate runs fn in a read-write transaction and delivers its outbox
// after commit.
func (rt *runtime) mutate(ctx context.Context, op string, fn func(Store, *outbox) error) error {
	start := time.Now()
	box := &outbox{}
	err := rt.Store.WithTx(ctx, func(st Store) error {
		return fn(st, box)
	})
	kind := KindOf(err)
	rt.Observer.Observe(op, kind, time.Since(start))
	if err != nil {
		rt.log.Warn("operation rejected",
			zap.String("op", op),
			zap.String("kind", string(kind)),
			zap.Error(err))
		return err
	}
	rt.deliver(ctx, box)
	return nil
}

// view runs fn against a read-only view.
func (rt *runtime) view(ctx context.Context, fn func(Store) error) error {
	return rt.Store.View(ctx, fn)
}

func (rt *runtime) deliver(ctx context.Context, box *outbox) {
	for _, a := range box.attachments {
		if err := rt.Documents.Attach(ctx, a); err != nil {
			rt.log.Error("document attach failed",
				zap.String("subject", a.SubjectID),
				zap.String("key", a.Key),
				zap.Error(err))
		}
	}
	for _, e := range box.events {
		rt.log.Info("committed",
			zap.String("event", string(e.Type)),
			zap.String("subject", e.SubjectID),
			zap.String("actor", e.Actor))
		if err := rt.Notifier.Notify(ctx, e); err != nil {
			rt.log.Error("notify failed",
				zap.String("event", string(e.Type)),
				zap.String("subject", e.SubjectID),
				zap.Error(err))
		}
	}
}

// purityTolerance returns the seed type's override or the global band.
func (rt *runtime) purityTolerance(st SeedType) decimal.Decimal {
	if st.PurityTolerance.Valid {
		return st.PurityTolerance.Decimal
	}
	return rt.Settings.PurityTolerance
}

func (rt *runtime) stampAttachments(kind SubjectKind, id string, actor Actor, in []Attachment) []Attachment {
	out := make([]Attachment, 0, len(in))
	for _, a := range in {
		a.SubjectKind = kind
		a.SubjectID = id
		a.AttachedBy = actor.ID
		a.AttachedAt = rt.Now()
		out = append(out, a)
	}
	return out
}

func (rt *runtime) saveAttachments(ctx context.Context, st Store, box *outbox, atts []Attachment) error {
	for _, a := range atts {
		if a.Key == "" {
			return &FieldError{Field: "attachment", Message: "document key is required"}
		}
		if err := st.SaveAttachment(ctx, a); err != nil {
			return err
		}
	}
	box.attach(atts...)
	return nil
}

func requireActor(a Actor) error {
	if a.ID == "" {
		return &FieldError{Field: "actor", Message: "acting principal is required"}
	}
	return nil
}

func timePtr(t time.Time) *time.Time { return &t }
