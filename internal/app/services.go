package app

import (
	"context"

	"github.com/dustin/go-humanize"
	"github.com/metal-toolbox/bladedirector/internal/api"
	"github.com/metal-toolbox/bladedirector/internal/bios"
	"github.com/metal-toolbox/bladedirector/internal/bmc"
	"github.com/metal-toolbox/bladedirector/internal/bootmenu"
	"github.com/metal-toolbox/bladedirector/internal/director"
	"github.com/metal-toolbox/bladedirector/internal/disks"
	"github.com/metal-toolbox/bladedirector/internal/download"
	"github.com/metal-toolbox/bladedirector/internal/hypervisor"
	"github.com/metal-toolbox/bladedirector/internal/lease"
	"github.com/metal-toolbox/bladedirector/internal/lock"
	"github.com/metal-toolbox/bladedirector/internal/model"
	"github.com/metal-toolbox/bladedirector/internal/provision"
	"github.com/metal-toolbox/bladedirector/internal/remote"
	"github.com/metal-toolbox/bladedirector/internal/store"
	"github.com/metal-toolbox/bladedirector/internal/worker"
	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.hollow.sh/toolbox/events"
	"go.hollow.sh/toolbox/events/pkg/kv"
)

var (
	ErrNats = errors.New("NATS connection error")
)

// notifier is the boot menu client shared by the lease manager and the provisioning engine.
type notifier interface {
	Notify(ctx context.Context, bladeIP, owner string) error
}

// Services is the director stack run by the server.
type Services struct {
	Repository store.Repository
	Locks      *lock.Registry
	Leases     *lease.Manager
	BIOS       *bios.Engine
	VMs        *provision.Engine
	Director   *director.Director
	API        *api.API
	Limiter    *worker.Limiter

	stream *events.NatsJetstream
}

// OpenStore opens the configured resource store.
func (a *App) OpenStore() (store.Repository, error) {
	return store.New(store.Options{Kind: a.Config.StoreKind(), Path: a.Config.Store.Path}, a.Logger)
}

// Services builds the director stack on repo.
//
// The VM server BIOS image is fetched here, and when NATS is configured operation status
// is published to the status KV bucket and the director checks in to the liveness registry.
func (a *App) Services(ctx context.Context, repo store.Repository) (*Services, error) {
	cfg := a.Config

	dialer, err := remote.NewSSHDialer(cfg.SSH, a.Logger)
	if err != nil {
		return nil, err
	}

	bootMenu, err := a.bootMenu()
	if err != nil {
		return nil, err
	}

	serverBIOS, err := a.serverBIOS(ctx)
	if err != nil {
		return nil, err
	}

	s := &Services{
		Repository: repo,
		Locks:      lock.NewRegistry(a.Logger, lock.WithWaitTimeout(cfg.Lock.WaitTimeout)),
		Limiter:    worker.NewLimiter(cfg.Concurrency),
	}

	var publisher model.StatusPublisher = model.NoopPublisher{}

	if cfg.Nats.URL != "" {
		if s.stream, err = a.connectNats(); err != nil {
			return nil, err
		}

		publisher, err = worker.NewStatusKVPublisher(s.stream, a.Logger, kv.WithReplicas(cfg.Nats.KVReplicas))
		if err != nil {
			s.Close()
			return nil, err
		}

		if err := worker.StartLivenessCheckin(ctx, s.stream, model.AppName, a.Logger); err != nil {
			s.Close()
			return nil, err
		}
	}

	power := bmc.NewFactory(cfg.BMC, a.Logger)
	esxi := hypervisor.New(dialer, cfg.Hypervisor, a.Logger)
	nas := disks.New(dialer, cfg.NAS, a.Logger)

	s.BIOS = bios.New(
		repo,
		s.Locks,
		power,
		dialer,
		s.Limiter,
		cfg.BIOS,
		a.Logger,
		bios.WithPublisher(publisher),
		bios.WithSSHPort(dialer.Port()),
	)

	s.Leases = lease.New(
		repo,
		s.Locks,
		a.Logger,
		lease.WithKeepaliveTimeout(cfg.Keepalive.Timeout),
		lease.WithSweepInterval(cfg.Keepalive.SweepGap),
		lease.WithBIOSCanceller(s.BIOS),
		lease.WithVMTeardown(esxi),
		lease.WithNotifier(bootMenu),
	)

	s.VMs, err = provision.New(
		repo,
		s.Locks,
		s.Leases,
		s.BIOS,
		esxi,
		nas,
		power,
		s.Limiter,
		cfg.VM,
		a.Logger,
		provision.WithPublisher(publisher),
		provision.WithNotifier(bootMenu),
		provision.WithSSHPort(dialer.Port()),
		provision.WithServerBIOS(serverBIOS),
	)
	if err != nil {
		s.Close()
		return nil, err
	}

	s.Leases.SetVMCanceller(s.VMs)

	s.Director = director.New(repo, s.Locks, s.Leases, s.BIOS, s.VMs, nas, a.Logger)
	s.API = api.New(s.Director, a.Logger)

	return s, nil
}

// Close waits for the running workers and closes the status stream.
func (s *Services) Close() {
	s.Limiter.StopWait()

	if s.stream != nil {
		s.stream.Close()
	}
}

func (a *App) bootMenu() (notifier, error) {
	if a.Config.BootMenu.URL == "" {
		a.Logger.Info("boot menu URL not set, ownership notifications disabled")
		return bootmenu.Noop{}, nil
	}

	return bootmenu.New(a.Config.BootMenu, a.Logger)
}

func (a *App) serverBIOS(ctx context.Context) (string, error) {
	src := a.Config.VMServer.BIOSImage
	if src == "" {
		a.Logger.Warn("VM server BIOS image not set, blades host VMs with their current BIOS")
		return "", nil
	}

	image, err := download.Image(ctx, src, a.Config.VMServer.BIOSImageChecksum)
	if err != nil {
		return "", errors.Wrap(err, "VM server BIOS image")
	}

	a.Logger.WithFields(logrus.Fields{
		"source": src,
		"size":   humanize.Bytes(uint64(len(image))),
	}).Info("VM server BIOS image loaded")

	return image, nil
}

func (a *App) connectNats() (*events.NatsJetstream, error) {
	opts := []nats.Option{
		nats.Name(model.AppName),
		nats.Timeout(a.Config.Nats.ConnectTimeout),
	}

	if a.Config.Nats.CredsFile != "" {
		opts = append(opts, nats.UserCredentials(a.Config.Nats.CredsFile))
	}

	nc, err := nats.Connect(a.Config.Nats.URL, opts...)
	if err != nil {
		return nil, errors.Wrap(ErrNats, err.Error())
	}

	a.Logger.WithField("url", a.Config.Nats.URL).Info("connected to NATS, publishing operation status")

	return events.NewJetstreamFromConn(nc), nil
}
