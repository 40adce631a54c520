// internal/storage/recorder.go
package storage

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/fxswap/refuel/internal/events"
	"github.com/fxswap/refuel/internal/storage/models"
)

// Recorder writes deployment, refuel and fee-withdrawal records to a Storage.
// Other record types are ignored.
type Recorder struct {
	store  Storage
	logger *zap.Logger
}

var _ events.Handler = (*Recorder)(nil)

func NewRecorder(store Storage, logger *zap.Logger) *Recorder {
	return &Recorder{store: store, logger: logger.Named("recorder")}
}

// PersistedTypes lists the record types a Recorder writes.
var PersistedTypes = []events.EventType{
	events.DeploymentCreated,
	events.RefuelCompleted,
	events.FeesWithdrawn,
}

// Attach subscribes the recorder to the record types it persists.
func (r *Recorder) Attach(bus *events.Bus) []events.Subscription {
	subs := make([]events.Subscription, 0, len(PersistedTypes))
	for _, t := range PersistedTypes {
		subs = append(subs, bus.Subscribe(t, r))
	}
	return subs
}

func (r *Recorder) Handle(ctx context.Context, event events.Event) error {
	var err error
	switch ev := event.(type) {
	case *events.DeploymentCreatedEvent:
		err = r.store.SaveDeployment(ctx, &models.Deployment{
			Factory:      ev.Source().Hex(),
			DeploymentID: ev.ID,
			Instance:     ev.Instance.Hex(),
			Owner:        ev.Owner.Hex(),
			FeeRecipient: ev.FeeRecipient.Hex(),
			DeployedAt:   ev.Timestamp(),
		})
	case *events.RefuelCompletedEvent:
		err = r.store.SaveRefuel(ctx, &models.Refuel{
			Instance:     ev.Source().Hex(),
			RefuelAmount: ev.RefuelAmount.Dec(),
			Amount0:      ev.Amount0.Dec(),
			Amount1:      ev.Amount1.Dec(),
			DonatedLP:    ev.DonatedLP.Dec(),
			FeeAmount:    ev.FeeAmount.Dec(),
			ExecutedAt:   ev.Timestamp(),
		})
	case *events.FeesWithdrawnEvent:
		err = r.store.SaveFeeWithdrawal(ctx, &models.FeeWithdrawal{
			Factory:     ev.Source().Hex(),
			Token:       ev.Token.Hex(),
			Recipient:   ev.Recipient.Hex(),
			Amount:      ev.Amount.Dec(),
			WithdrawnAt: ev.Timestamp(),
		})
	default:
		return nil
	}
	if err != nil {
		r.logger.Error("Failed to persist record",
			zap.String("event_type", string(event.Type())),
			zap.String("source", event.Source().Hex()),
			zap.Error(err))
		return fmt.Errorf("persist %s: %w", event.Type(), err)
	}
	return nil
}
