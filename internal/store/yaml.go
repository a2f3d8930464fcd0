package store

import (
	"context"
	"net/netip"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/metal-toolbox/bladedirector/internal/model"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

var (
	ErrInventory = errors.New("error in pool inventory")
)

// InventoryBlade is a blade entry of the pool inventory file.
type InventoryBlade struct {
	IP            string `yaml:"ip"`
	BMCIP         string `yaml:"bmcIP"`
	BMCPort       int    `yaml:"bmcPort"`
	ISCSIIP       string `yaml:"iscsiIP"`
	MaxVMs        int    `yaml:"maxVMs"`
	MaxVMMemoryMB int    `yaml:"maxVMMemoryMB"`
	MaxCPUCount   int    `yaml:"maxCPUCount"`
}

// Inventory is the pool inventory, blade entries inherit unset values from Defaults.
type Inventory struct {
	Defaults InventoryBlade   `yaml:"defaults"`
	Blades   []InventoryBlade `yaml:"blades"`
}

// LoadInventory reads and validates a YAML pool inventory.
func LoadInventory(path string) (*Inventory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(ErrInventory, err.Error())
	}

	inv := &Inventory{}
	if err := yaml.Unmarshal(data, inv); err != nil {
		return nil, errors.Wrap(ErrInventory, path+": "+err.Error())
	}

	if err := inv.Validate(); err != nil {
		return nil, err
	}

	return inv, nil
}

// Validate checks every blade has a valid, unique management address.
func (i *Inventory) Validate() error {
	seen := map[string]bool{}

	for idx, b := range i.Blades {
		if _, err := netip.ParseAddr(b.IP); err != nil {
			return errors.Wrapf(ErrInventory, "blade %d: invalid ip %q", idx, b.IP)
		}

		if seen[b.IP] {
			return errors.Wrapf(ErrInventory, "blade %d: duplicate ip %s", idx, b.IP)
		}

		seen[b.IP] = true
	}

	return nil
}

// Records returns the blade records described by the inventory, ordinals start at 1.
func (i *Inventory) Records() []*model.BladeRecord {
	records := make([]*model.BladeRecord, 0, len(i.Blades))

	for idx, b := range i.Blades {
		blade := model.NewBlade(b.IP)
		blade.Ordinal = idx + 1
		blade.BMCIP = b.BMCIP
		blade.BMCPort = orDefault(b.BMCPort, i.Defaults.BMCPort)
		blade.ISCSIIP = b.ISCSIIP
		blade.MaxVMs = orDefault(b.MaxVMs, i.Defaults.MaxVMs)
		blade.MaxVMMemoryMB = orDefault(b.MaxVMMemoryMB, i.Defaults.MaxVMMemoryMB)
		blade.MaxCPUCount = orDefault(b.MaxCPUCount, i.Defaults.MaxCPUCount)

		records = append(records, blade)
	}

	return records
}

func orDefault(v, def int) int {
	if v == 0 {
		return def
	}

	return v
}

// InitPool loads the inventory blades into the repository.
//
// When reset is set every existing blade and VM record is dropped first,
// a blade which already exists is a configuration error.
func InitPool(ctx context.Context, repo Repository, inv *Inventory, reset bool, logger *logrus.Logger) error {
	if reset {
		if err := repo.Reset(ctx); err != nil {
			return errors.Wrap(err, "pool reset")
		}
	}

	for _, blade := range inv.Records() {
		if err := repo.CreateBlade(ctx, blade); err != nil {
			return errors.Wrap(err, "pool init")
		}

		logger.WithFields(logrus.Fields{
			"ip":        blade.IP,
			"ordinal":   blade.Ordinal,
			"maxVMs":    blade.MaxVMs,
			"maxMemory": humanize.IBytes(uint64(blade.MaxVMMemoryMB) * humanize.MiByte),
			"maxCPU":    blade.MaxCPUCount,
		}).Debug("blade added to pool")
	}

	logger.WithField("blades", len(inv.Blades)).Info("pool initialized")

	return nil
}
