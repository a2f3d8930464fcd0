// Package director exposes the boundary operations of the blade director.
//
// Every call runs as its own lock holder and first gives the keepalive sweeper a chance
// to expire abandoned resources, then hands over to the lease manager or one of the
// operation engines.
package director

import (
	"context"

	"github.com/metal-toolbox/bladedirector/internal/bios"
	"github.com/metal-toolbox/bladedirector/internal/lease"
	"github.com/metal-toolbox/bladedirector/internal/lock"
	"github.com/metal-toolbox/bladedirector/internal/model"
	"github.com/metal-toolbox/bladedirector/internal/provision"
	"github.com/metal-toolbox/bladedirector/internal/store"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/exp/slices"
)

const (
	pkgName = "internal/director"
)

var (
	ErrRequestor = errors.New("invalid requestor")
)

// SnapshotChecker reports whether a disk snapshot exists on the NAS.
type SnapshotChecker interface {
	SnapshotExists(ctx context.Context, snapshot string) (bool, error)
}

// Director is the entry point of every boundary operation.
type Director struct {
	repo      store.Repository
	locks     *lock.Registry
	leases    *lease.Manager
	bios      *bios.Engine
	vms       *provision.Engine
	snapshots SnapshotChecker
	logger    *logrus.Logger
}

// New returns a Director, snapshots may be nil in which case snapshot names are not checked.
func New(
	repo store.Repository,
	locks *lock.Registry,
	leases *lease.Manager,
	biosEngine *bios.Engine,
	vms *provision.Engine,
	snapshots SnapshotChecker,
	logger *logrus.Logger,
) *Director {
	return &Director{
		repo:      repo,
		locks:     locks,
		leases:    leases,
		bios:      biosEngine,
		vms:       vms,
		snapshots: snapshots,
		logger:    logger,
	}
}

// enter starts a boundary call: a fresh lock holder, a span and an opportunistic sweep.
func (d *Director) enter(ctx context.Context, name string) (context.Context, trace.Span) {
	ctx, span := otel.Tracer(pkgName).Start(lock.WithHolder(ctx), "director."+name)

	d.leases.MaybeSweep(ctx)

	return ctx, span
}

func validRequestor(requestor string) error {
	if requestor == "" || requestor == model.DirectorOwner {
		return errors.Wrapf(ErrRequestor, "%q", requestor)
	}

	return nil
}

// failed logs an unexpected error of a boundary call.
func (d *Director) failed(op string, err error, fields logrus.Fields) {
	d.logger.WithFields(fields).WithField("op", op).WithError(err).Error("boundary operation failed")
}

// RequestAnyBlade leases the first blade which is free or which has room in its queue.
func (d *Director) RequestAnyBlade(ctx context.Context, requestor string) (model.Result, string, error) {
	ctx, span := d.enter(ctx, "RequestAnyBlade")
	defer span.End()

	if err := validRequestor(requestor); err != nil {
		return model.ResultGenericFail, "", err
	}

	result, ip, err := d.leases.RequestAnyBlade(ctx, requestor)
	if err != nil {
		d.failed("requestAnyBlade", err, logrus.Fields{"requestor": requestor})
	}

	return result, ip, err
}

// RequestBlade leases a blade, or queues requestor as its next owner.
func (d *Director) RequestBlade(ctx context.Context, ip, requestor string) (model.Result, error) {
	ctx, span := d.enter(ctx, "RequestBlade")
	defer span.End()

	if err := validRequestor(requestor); err != nil {
		return model.ResultGenericFail, err
	}

	result, err := d.leases.RequestBlade(ctx, ip, requestor)
	if err != nil {
		d.failed("requestBlade", err, logrus.Fields{"resource": ip, "requestor": requestor})
	}

	return result, err
}

// ReleaseResource gives up a blade or a VM.
func (d *Director) ReleaseResource(ctx context.Context, ip, requestor string, force bool) (model.Result, error) {
	ctx, span := d.enter(ctx, "ReleaseResource")
	defer span.End()

	result, err := d.leases.Release(ctx, ip, requestor, force)
	if err != nil {
		d.failed("releaseResource", err, logrus.Fields{"resource": ip, "requestor": requestor, "force": force})
	}

	return result, err
}

// GetStatus reports a blade or a VM as seen by requestor.
func (d *Director) GetStatus(ctx context.Context, ip, requestor string) (model.ResourceStatus, error) {
	ctx, span := d.enter(ctx, "GetStatus")
	defer span.End()

	return d.leases.Status(ctx, ip, requestor)
}

// KeepAlive refreshes every lease held by requestor.
func (d *Director) KeepAlive(ctx context.Context, requestor string) error {
	ctx, span := d.enter(ctx, "KeepAlive")
	defer span.End()

	if err := d.leases.KeepAlive(ctx, requestor); err != nil {
		d.failed("keepAlive", err, logrus.Fields{"requestor": requestor})
		return err
	}

	return nil
}

// StartBIOSWrite begins writing image to a blade owned by requestor, force deploys
// the image even when it is the one last deployed.
func (d *Director) StartBIOSWrite(ctx context.Context, ip, requestor, image string, force bool) (model.Result, error) {
	ctx, span := d.enter(ctx, "StartBIOSWrite")
	defer span.End()

	return d.startBIOS(ctx, bios.Request{BladeIP: ip, Requestor: requestor, Mode: bios.ModeWrite, Image: image, Force: force})
}

// StartBIOSRead begins reading the BIOS configuration of a blade owned by requestor.
func (d *Director) StartBIOSRead(ctx context.Context, ip, requestor string) (model.Result, error) {
	ctx, span := d.enter(ctx, "StartBIOSRead")
	defer span.End()

	return d.startBIOS(ctx, bios.Request{BladeIP: ip, Requestor: requestor, Mode: bios.ModeRead})
}

func (d *Director) startBIOS(ctx context.Context, req bios.Request) (model.Result, error) {
	if err := validRequestor(req.Requestor); err != nil {
		return model.ResultGenericFail, err
	}

	result, err := d.bios.Start(ctx, req)
	if err != nil {
		d.failed("startBios", err, logrus.Fields{"resource": req.BladeIP, "requestor": req.Requestor, "mode": req.Mode})
	}

	return result, err
}

// PollBIOSWrite returns the progress of the BIOS operation of a blade.
func (d *Director) PollBIOSWrite(ctx context.Context, ip string) model.Result {
	_, span := d.enter(ctx, "PollBIOSWrite")
	defer span.End()

	return d.bios.CheckProgress(ip)
}

// PollBIOSRead returns the progress of the BIOS operation of a blade and, once a read
// succeeded, the image it retrieved.
func (d *Director) PollBIOSRead(ctx context.Context, ip string) (model.Result, string) {
	_, span := d.enter(ctx, "PollBIOSRead")
	defer span.End()

	return d.bios.ReadResult(ip)
}

// RequestVM admits a VM for requestor, the returned token is polled with PollVMRequest.
func (d *Director) RequestVM(ctx context.Context, requestor string, hw model.VMHardwareSpec, sw model.VMSoftwareSpec) (model.Result, string, error) {
	ctx, span := d.enter(ctx, "RequestVM")
	defer span.End()

	if err := validRequestor(requestor); err != nil {
		return model.ResultGenericFail, "", err
	}

	result, token, err := d.vms.RequestVM(ctx, requestor, hw, sw)
	if err != nil && !errors.Is(err, model.ErrHardwareSpec) {
		d.failed("requestVm", err, logrus.Fields{"requestor": requestor})
	}

	return result, token, err
}

// PollVMRequest returns the progress of a VM request and, once it succeeded, the VM id.
func (d *Director) PollVMRequest(ctx context.Context, token string) (model.Result, string, error) {
	ctx, span := d.enter(ctx, "PollVMRequest")
	defer span.End()

	result, err := d.vms.GetProgress(ctx, token)
	if err != nil {
		d.failed("pollVmRequest", err, logrus.Fields{"token": token})
		return result, "", err
	}

	if result != model.ResultSuccess {
		return result, "", nil
	}

	return result, token, nil
}

// ListAllBladeIDs returns the IP of every blade in the pool, sorted.
func (d *Director) ListAllBladeIDs(ctx context.Context) ([]string, error) {
	ctx, span := d.enter(ctx, "ListAllBladeIDs")
	defer span.End()

	blades, err := d.repo.ListBlades(ctx)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(blades))
	for _, b := range blades {
		ids = append(ids, b.IP)
	}

	slices.Sort(ids)

	return ids, nil
}

// ListAllVMIDs returns the IP of every VM, sorted.
func (d *Director) ListAllVMIDs(ctx context.Context) ([]string, error) {
	ctx, span := d.enter(ctx, "ListAllVMIDs")
	defer span.End()

	vms, err := d.repo.ListVMs(ctx)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(vms))
	for _, v := range vms {
		ids = append(ids, v.IP)
	}

	slices.Sort(ids)

	return ids, nil
}

// GetBladesOwnedBy lists the blades and VMs held by requestor.
func (d *Director) GetBladesOwnedBy(ctx context.Context, requestor string) ([]string, error) {
	ctx, span := d.enter(ctx, "GetBladesOwnedBy")
	defer span.End()

	return d.leases.OwnedBy(ctx, requestor)
}

// Blade returns the record of a blade, read without locking.
func (d *Director) Blade(ctx context.Context, ip string) (*model.BladeRecord, error) {
	return d.repo.BladeByIP(ctx, ip)
}

// VM returns the record of a VM, read without locking.
func (d *Director) VM(ctx context.Context, ip string) (*model.VMRecord, error) {
	return d.repo.VMByIP(ctx, ip)
}
