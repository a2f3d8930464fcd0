// Package disks clones VM disks from snapshots on the NAS over SSH.
package disks

import (
	"context"
	"path"

	"github.com/metal-toolbox/bladedirector/internal/remote"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	defaultDiskDir     = "/mnt/pool/vms"
	defaultSnapshotDir = "/mnt/pool/snapshots"
	defaultRetries     = 3
)

var (
	ErrSnapshotNotFound = errors.New("snapshot not found")
	ErrNoNAS            = errors.New("no NAS host configured")
)

// Config is the NAS layout.
type Config struct {
	Host string `mapstructure:"host"`
	// DiskDir holds one directory of disk images per VM.
	DiskDir string `mapstructure:"disk_dir"`
	// SnapshotDir holds one directory per snapshot, with one image per disk item.
	SnapshotDir string `mapstructure:"snapshot_dir"`
	// Items are the disk images making up a VM.
	Items   []string `mapstructure:"items"`
	Retries int      `mapstructure:"retries"`
}

func (c *Config) setDefaults() {
	if c.DiskDir == "" {
		c.DiskDir = defaultDiskDir
	}

	if c.SnapshotDir == "" {
		c.SnapshotDir = defaultSnapshotDir
	}

	if len(c.Items) == 0 {
		c.Items = []string{"disk0.img"}
	}

	if c.Retries == 0 {
		c.Retries = defaultRetries
	}
}

// NAS provisions disks by copying snapshot images into a per VM directory.
type NAS struct {
	dialer remote.Dialer
	cfg    Config
	logger *logrus.Logger
}

// New returns a NAS disk provisioner.
func New(dialer remote.Dialer, cfg Config, logger *logrus.Logger) *NAS {
	cfg.setDefaults()

	return &NAS{dialer: dialer, cfg: cfg, logger: logger}
}

func (n *NAS) session(ctx context.Context) (remote.Session, error) {
	if n.cfg.Host == "" {
		return nil, ErrNoNAS
	}

	return n.dialer.Dial(ctx, n.cfg.Host)
}

// DeleteDisks removes the disks of the VM called name, disks which do not exist are not an error.
func (n *NAS) DeleteDisks(ctx context.Context, name string) error {
	logger := n.logger.WithFields(logrus.Fields{"nas": n.cfg.Host, "disks": name})

	sess, err := n.session(ctx)
	if err != nil {
		return err
	}

	defer sess.Close()

	if _, err := remote.Exec(ctx, sess, n.cfg.Retries, logger, "rm", "-rf", path.Join(n.cfg.DiskDir, name)); err != nil {
		return err
	}

	logger.Debug("disks deleted")

	return nil
}

// CreateDisks clones every disk item of snapshot for the VM called name.
func (n *NAS) CreateDisks(ctx context.Context, name, snapshot string) error {
	logger := n.logger.WithFields(logrus.Fields{"nas": n.cfg.Host, "disks": name, "snapshot": snapshot})

	sess, err := n.session(ctx)
	if err != nil {
		return err
	}

	defer sess.Close()

	exists, err := n.snapshotExists(ctx, sess, snapshot)
	if err != nil {
		return err
	}

	if !exists {
		return errors.Wrap(ErrSnapshotNotFound, snapshot)
	}

	dir := path.Join(n.cfg.DiskDir, name)

	if _, err := remote.Exec(ctx, sess, n.cfg.Retries, logger, "mkdir", "-p", dir); err != nil {
		return err
	}

	for _, item := range n.cfg.Items {
		src := path.Join(n.cfg.SnapshotDir, snapshot, item)
		dst := path.Join(dir, item)

		if _, err := remote.Exec(ctx, sess, n.cfg.Retries, logger, "cp", "--reflink=auto", src, dst); err != nil {
			return err
		}
	}

	logger.WithField("items", len(n.cfg.Items)).Info("disks created")

	return nil
}

// SnapshotExists returns true when the NAS holds snapshot.
func (n *NAS) SnapshotExists(ctx context.Context, snapshot string) (bool, error) {
	sess, err := n.session(ctx)
	if err != nil {
		return false, err
	}

	defer sess.Close()

	return n.snapshotExists(ctx, sess, snapshot)
}

func (n *NAS) snapshotExists(ctx context.Context, sess remote.Session, snapshot string) (bool, error) {
	if snapshot == "" || path.Base(snapshot) != snapshot || snapshot == "." || snapshot == ".." {
		return false, nil
	}

	res, err := sess.Run(ctx, "test", []string{"-d", path.Join(n.cfg.SnapshotDir, snapshot)}, "")
	if err != nil {
		return false, errors.Wrap(remote.ErrCommand, err.Error())
	}

	switch res.ExitCode {
	case 0:
		return true, nil
	case 1:
		return false, nil
	default:
		return false, errors.Wrapf(remote.ErrCommand, "test exited with %d: %s", res.ExitCode, res.Stderr)
	}
}
