package worker

import (
	"context"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.hollow.sh/toolbox/events"
	"go.hollow.sh/toolbox/events/registry"
)

var (
	checkinCadence = 30 * time.Second
)

// StartLivenessCheckin registers the director instance in the NATS active controller
// registry and checks in periodically until ctx is done.
func StartLivenessCheckin(ctx context.Context, stream events.Stream, name string, logger *logrus.Logger) error {
	natsJS, ok := stream.(*events.NatsJetstream)
	if !ok {
		return errors.Wrap(ErrStatusKV, "non-NATS streams are not supported for liveness")
	}

	if err := registry.InitializeActiveControllerRegistry(natsJS); err != nil {
		return errors.Wrap(err, "initialize active controller registry")
	}

	id := registry.GetID(name)

	register := func() error { return registry.RegisterController(id) }
	checkin := func() error { return registry.ControllerCheckin(id) }

	go checkinRoutine(ctx, id.String(), register, checkin, logger)

	return nil
}

func checkinRoutine(ctx context.Context, id string, register, checkin func() error, logger *logrus.Logger) {
	if err := register(); err != nil {
		logger.WithError(err).Warn("unable to do initial liveness registration")
	}

	tick := time.NewTicker(checkinCadence)
	defer tick.Stop()

	for {
		select {
		case <-tick.C:
			err := checkin()
			switch {
			case err == nil:
			case errors.Is(err, nats.ErrKeyNotFound): // generally means NATS reaped our entry on TTL
				if err = register(); err != nil {
					logger.WithError(err).
						WithField("id", id).
						Warn("unable to re-register director")
				}
			default:
				logger.WithError(err).
					WithField("id", id).
					Warn("liveness checkin failed")
			}
		case <-ctx.Done():
			logger.Info("liveness check-in stopping on done context")
			return
		}
	}
}
