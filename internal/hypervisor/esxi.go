// Package hypervisor registers and runs VMs on an ESXi VM server over SSH.
package hypervisor

import (
	"context"
	"path"
	"strconv"
	"strings"

	"github.com/metal-toolbox/bladedirector/internal/model"
	"github.com/metal-toolbox/bladedirector/internal/remote"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	vimCmd = "vim-cmd"

	defaultDatastoreDir = "/vmfs/volumes/datastore1"
	defaultTemplateDir  = "/vmfs/volumes/datastore1/template"
	defaultTemplateVMX  = "template.vmx"
	defaultRetries      = 3
)

var (
	ErrVMNotFound = errors.New("VM not registered on hypervisor")
)

// Config is the hypervisor layout of a VM server.
type Config struct {
	// DatastoreDir holds one directory per VM, named after the VM.
	DatastoreDir string `mapstructure:"datastore_dir"`
	// TemplateDir is the directory of the template VM cloned for every VM.
	TemplateDir string `mapstructure:"template_dir"`
	TemplateVMX string `mapstructure:"template_vmx"`
	Retries     int    `mapstructure:"retries"`
}

func (c *Config) setDefaults() {
	if c.DatastoreDir == "" {
		c.DatastoreDir = defaultDatastoreDir
	}

	if c.TemplateDir == "" {
		c.TemplateDir = defaultTemplateDir
	}

	if c.TemplateVMX == "" {
		c.TemplateVMX = defaultTemplateVMX
	}

	if c.Retries == 0 {
		c.Retries = defaultRetries
	}
}

// ESXi drives the hypervisor of VM servers through vim-cmd.
type ESXi struct {
	dialer remote.Dialer
	cfg    Config
	logger *logrus.Logger
}

// New returns an ESXi hypervisor client.
func New(dialer remote.Dialer, cfg Config, logger *logrus.Logger) *ESXi {
	cfg.setDefaults()

	return &ESXi{dialer: dialer, cfg: cfg, logger: logger}
}

func (h *ESXi) vmDir(vm *model.VMRecord) string {
	return path.Join(h.cfg.DatastoreDir, vm.DisplayName)
}

func (h *ESXi) entry(server string, vm *model.VMRecord) *logrus.Entry {
	return h.logger.WithFields(logrus.Fields{"server": server, "vm": vm.IP, "name": vm.DisplayName})
}

// PrepareVM unregisters a VM of the same name, clones the template into the VM directory,
// rewrites the VM identity and registers it. The directory of a previous VM of the same name
// is reused unless recreate is set.
func (h *ESXi) PrepareVM(ctx context.Context, server *model.BladeRecord, vm *model.VMRecord, recreate bool) error {
	logger := h.entry(server.IP, vm)

	sess, err := h.dialer.Dial(ctx, server.IP)
	if err != nil {
		return err
	}

	defer sess.Close()

	if err := h.unregister(ctx, sess, vm.DisplayName, logger); err != nil && !errors.Is(err, ErrVMNotFound) {
		return err
	}

	dir := h.vmDir(vm)

	if recreate {
		if _, err := remote.Exec(ctx, sess, h.cfg.Retries, logger, "rm", "-rf", dir); err != nil {
			return err
		}
	}

	res, err := sess.Run(ctx, "test", []string{"-d", dir}, "")
	if err != nil {
		return errors.Wrap(remote.ErrCommand, err.Error())
	}

	if !res.Success() {
		logger.WithField("template", h.cfg.TemplateDir).Debug("cloning template VM")

		if _, err := remote.Exec(ctx, sess, h.cfg.Retries, logger, "cp", "-r", h.cfg.TemplateDir, dir); err != nil {
			return err
		}
	}

	vmxPath := path.Join(dir, h.cfg.TemplateVMX)

	var vmx []byte

	if err := remote.Retry(ctx, h.cfg.Retries, logger, "pull "+vmxPath, func(ctx context.Context) error {
		var perr error
		vmx, perr = sess.Pull(ctx, vmxPath)

		return perr
	}); err != nil {
		return err
	}

	vmx = RewriteVMX(vmx, Settings(vm))

	if err := remote.Retry(ctx, h.cfg.Retries, logger, "push "+vmxPath, func(ctx context.Context) error {
		return sess.Push(ctx, vmxPath, vmx)
	}); err != nil {
		return err
	}

	if _, err := remote.Exec(ctx, sess, h.cfg.Retries, logger, vimCmd, "solo/registervm", vmxPath, vm.DisplayName); err != nil {
		return err
	}

	logger.Info("VM registered on hypervisor")

	return nil
}

// PowerOnVM starts a registered VM.
func (h *ESXi) PowerOnVM(ctx context.Context, server *model.BladeRecord, vm *model.VMRecord) error {
	logger := h.entry(server.IP, vm)

	sess, err := h.dialer.Dial(ctx, server.IP)
	if err != nil {
		return err
	}

	defer sess.Close()

	id, err := h.vmID(ctx, sess, vm.DisplayName, logger)
	if err != nil {
		return err
	}

	if _, err := remote.Exec(ctx, sess, h.cfg.Retries, logger, vimCmd, "vmsvc/power.on", id); err != nil {
		return err
	}

	logger.Debug("VM powered on")

	return nil
}

// DestroyVM powers off and unregisters a released VM and removes its directory.
//
// A server which can not be reached or a VM which is not registered is not an error,
// the VM is gone either way.
func (h *ESXi) DestroyVM(ctx context.Context, vm *model.VMRecord) error {
	logger := h.entry(vm.ParentBladeIP, vm)

	sess, err := h.dialer.Dial(ctx, vm.ParentBladeIP)
	if err != nil {
		if errors.Is(err, remote.ErrDial) {
			logger.WithError(err).Debug("VM server unreachable, nothing to tear down")
			return nil
		}

		return err
	}

	defer sess.Close()

	if err := h.unregister(ctx, sess, vm.DisplayName, logger); err != nil && !errors.Is(err, ErrVMNotFound) {
		return err
	}

	if _, err := remote.Exec(ctx, sess, h.cfg.Retries, logger, "rm", "-rf", h.vmDir(vm)); err != nil {
		return err
	}

	logger.Info("VM torn down")

	return nil
}

// unregister powers off and unregisters the VM named name.
func (h *ESXi) unregister(ctx context.Context, sess remote.Session, name string, logger *logrus.Entry) error {
	id, err := h.vmID(ctx, sess, name, logger)
	if err != nil {
		return err
	}

	res, err := remote.Exec(ctx, sess, h.cfg.Retries, logger, vimCmd, "vmsvc/power.off", id)
	if err != nil {
		if !poweredOffOrGone(res) {
			return err
		}

		logger.WithField("vmid", id).Debug("VM already powered off")
	}

	if _, err := remote.Exec(ctx, sess, h.cfg.Retries, logger, vimCmd, "vmsvc/unregister", id); err != nil {
		return err
	}

	logger.WithField("vmid", id).Debug("stale VM unregistered")

	return nil
}

// vmID looks up the vim-cmd id of the VM named name.
func (h *ESXi) vmID(ctx context.Context, sess remote.Session, name string, logger *logrus.Entry) (string, error) {
	res, err := remote.Exec(ctx, sess, h.cfg.Retries, logger, vimCmd, "vmsvc/getallvms")
	if err != nil {
		return "", err
	}

	id, ok := ParseVMList(res.Stdout)[name]
	if !ok {
		return "", errors.Wrap(ErrVMNotFound, name)
	}

	return strconv.Itoa(id), nil
}

// poweredOffOrGone matches the power.off failures of a VM which is not running.
func poweredOffOrGone(res *remote.Result) bool {
	if res == nil {
		return false
	}

	out := res.Stdout + res.Stderr

	for _, s := range []string{"Powered off", "vim.fault.NotFound", "Unable to find a VM"} {
		if strings.Contains(out, s) {
			return true
		}
	}

	return false
}

// ParseVMList parses the output of vmsvc/getallvms into a map of VM name to id.
func ParseVMList(out string) map[string]int {
	vms := map[string]int{}

	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}

		id, err := strconv.Atoi(fields[0])
		if err != nil {
			// header and annotation continuation lines
			continue
		}

		vms[fields[1]] = id
	}

	return vms
}
