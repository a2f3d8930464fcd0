package director

import (
	"context"

	"github.com/metal-toolbox/bladedirector/internal/lock"
	"github.com/metal-toolbox/bladedirector/internal/model"
	"github.com/metal-toolbox/bladedirector/internal/store"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var (
	ErrSnapshot = errors.New("invalid snapshot")

	errNotOwner = errors.New("resource not owned by requestor")
)

// SelectSnapshot sets the disk snapshot a blade or VM owned by requestor boots from.
//
// Returns notFound when the resource or the snapshot does not exist, inUse when requestor
// does not own the resource and noActionNeeded when the snapshot is already selected.
func (d *Director) SelectSnapshot(ctx context.Context, ip, requestor, snapshot string) (model.Result, error) {
	ctx, span := d.enter(ctx, "SelectSnapshot")
	defer span.End()

	if err := validRequestor(requestor); err != nil {
		return model.ResultGenericFail, err
	}

	if snapshot == "" {
		return model.ResultGenericFail, errors.Wrap(ErrSnapshot, "empty snapshot name")
	}

	kind, err := d.kindOf(ctx, ip)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return model.ResultNotFound, nil
		}

		return model.ResultGenericFail, err
	}

	logger := d.logger.WithFields(logrus.Fields{
		"resource":  ip,
		"kind":      kind,
		"requestor": requestor,
		"snapshot":  snapshot,
	})

	g, err := d.locks.Acquire(ctx, ip, lock.Snapshot|lock.NASOps)
	if err != nil {
		return model.ResultGenericFail, err
	}

	defer g.Release()

	owner, current, err := d.snapshotOf(ctx, kind, ip)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return model.ResultNotFound, nil
		}

		return model.ResultGenericFail, err
	}

	if !owner(requestor) {
		return model.ResultInUse, nil
	}

	if current == snapshot {
		return model.ResultNoActionNeeded, nil
	}

	if d.snapshots != nil {
		exists, err := d.snapshots.SnapshotExists(ctx, snapshot)
		if err != nil {
			d.failed("selectSnapshot", err, logrus.Fields{"resource": ip, "snapshot": snapshot})

			return model.ResultGenericFail, err
		}

		if !exists {
			logger.Info("snapshot selection refused, no such snapshot")
			return model.ResultNotFound, nil
		}
	}

	switch kind {
	case model.ResourceKindBlade:
		_, err = d.repo.UpdateBlade(ctx, ip, func(b *model.BladeRecord) error {
			if !b.OwnedBy(requestor) {
				return errNotOwner
			}

			b.SetSnapshot(g, snapshot)

			return nil
		})
	case model.ResourceKindVM:
		_, err = d.repo.UpdateVM(ctx, ip, func(v *model.VMRecord) error {
			if !v.OwnedBy(requestor) {
				return errNotOwner
			}

			v.SetSnapshot(g, snapshot)

			return nil
		})
	}

	switch {
	case errors.Is(err, errNotOwner):
		return model.ResultInUse, nil
	case errors.Is(err, store.ErrNotFound):
		return model.ResultNotFound, nil
	case err != nil:
		return model.ResultGenericFail, err
	}

	logger.WithField("previous", current).Info("snapshot selected")

	return model.ResultSuccess, nil
}

func (d *Director) kindOf(ctx context.Context, ip string) (model.ResourceKind, error) {
	_, err := d.repo.BladeByIP(ctx, ip)
	if err == nil {
		return model.ResourceKindBlade, nil
	}

	if !errors.Is(err, store.ErrNotFound) {
		return "", err
	}

	if _, err := d.repo.VMByIP(ctx, ip); err != nil {
		return "", err
	}

	return model.ResourceKindVM, nil
}

// snapshotOf reads the owner check and the current snapshot of the resource.
func (d *Director) snapshotOf(ctx context.Context, kind model.ResourceKind, ip string) (func(string) bool, string, error) {
	if kind == model.ResourceKindBlade {
		blade, err := d.repo.BladeByIP(ctx, ip)
		if err != nil {
			return nil, "", err
		}

		return blade.OwnedBy, blade.CurrentSnapshot, nil
	}

	vm, err := d.repo.VMByIP(ctx, ip)
	if err != nil {
		return nil, "", err
	}

	return vm.OwnedBy, vm.CurrentSnapshot, nil
}
