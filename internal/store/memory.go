package store

import (
	"context"
	"sort"
	"sync"

	"github.com/metal-toolbox/bladedirector/internal/model"
	"github.com/pkg/errors"
)

// Memory is a process local Repository, records are copied in and out.
type Memory struct {
	mu *sync.RWMutex

	blades map[string]*model.BladeRecord
	vms    map[string]*model.VMRecord
}

func NewMemory() *Memory {
	return &Memory{
		mu:     &sync.RWMutex{},
		blades: map[string]*model.BladeRecord{},
		vms:    map[string]*model.VMRecord{},
	}
}

// records hold no references, a value copy detaches them from the map.
func clone[T any](src *T) *T {
	dst := *src
	return &dst
}

func (m *Memory) BladeByIP(_ context.Context, ip string) (*model.BladeRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	blade, exists := m.blades[ip]
	if !exists {
		return nil, errors.Wrap(ErrNotFound, "blade: "+ip)
	}

	return clone(blade), nil
}

func (m *Memory) VMByIP(_ context.Context, ip string) (*model.VMRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	vm, exists := m.vms[ip]
	if !exists {
		return nil, errors.Wrap(ErrNotFound, "vm: "+ip)
	}

	return clone(vm), nil
}

func (m *Memory) CreateBlade(_ context.Context, blade *model.BladeRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.blades[blade.IP]; exists {
		return errors.Wrap(ErrDuplicate, "blade: "+blade.IP)
	}

	m.blades[blade.IP] = clone(blade)

	return nil
}

func (m *Memory) CreateVM(_ context.Context, vm *model.VMRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.vms[vm.IP]; exists {
		return errors.Wrap(ErrDuplicate, "vm: "+vm.IP)
	}

	m.vms[vm.IP] = clone(vm)

	return nil
}

func (m *Memory) PutBlade(_ context.Context, blade *model.BladeRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.blades[blade.IP] = clone(blade)

	return nil
}

func (m *Memory) PutVM(_ context.Context, vm *model.VMRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.vms[vm.IP] = clone(vm)

	return nil
}

func (m *Memory) UpdateBlade(_ context.Context, ip string, fn BladeUpdateFunc) (*model.BladeRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	blade, exists := m.blades[ip]
	if !exists {
		return nil, errors.Wrap(ErrNotFound, "blade: "+ip)
	}

	updated := clone(blade)
	if err := fn(updated); err != nil {
		if errors.Is(err, ErrNoUpdate) {
			return clone(blade), nil
		}

		return nil, err
	}

	m.blades[ip] = clone(updated)

	return updated, nil
}

func (m *Memory) UpdateVM(_ context.Context, ip string, fn VMUpdateFunc) (*model.VMRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	vm, exists := m.vms[ip]
	if !exists {
		return nil, errors.Wrap(ErrNotFound, "vm: "+ip)
	}

	updated := clone(vm)
	if err := fn(updated); err != nil {
		if errors.Is(err, ErrNoUpdate) {
			return clone(vm), nil
		}

		return nil, err
	}

	m.vms[ip] = clone(updated)

	return updated, nil
}

func (m *Memory) DeleteBlade(_ context.Context, ip string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.blades[ip]; !exists {
		return errors.Wrap(ErrNotFound, "blade: "+ip)
	}

	delete(m.blades, ip)

	return nil
}

func (m *Memory) DeleteVM(_ context.Context, ip string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.vms[ip]; !exists {
		return errors.Wrap(ErrNotFound, "vm: "+ip)
	}

	delete(m.vms, ip)

	return nil
}

func (m *Memory) ListBlades(_ context.Context) ([]*model.BladeRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	blades := make([]*model.BladeRecord, 0, len(m.blades))
	for _, b := range m.blades {
		blades = append(blades, clone(b))
	}

	sortBlades(blades)

	return blades, nil
}

func (m *Memory) ListVMs(_ context.Context) ([]*model.VMRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	vms := make([]*model.VMRecord, 0, len(m.vms))
	for _, v := range m.vms {
		vms = append(vms, clone(v))
	}

	sortVMs(vms)

	return vms, nil
}

func (m *Memory) VMsByParent(_ context.Context, parentIP string) ([]*model.VMRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	vms := []*model.VMRecord{}

	for _, v := range m.vms {
		if v.ParentBladeIP == parentIP {
			vms = append(vms, clone(v))
		}
	}

	sortVMs(vms)

	return vms, nil
}

func (m *Memory) Totals(_ context.Context, serverIP string) (model.Totals, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var totals model.Totals

	for _, v := range m.vms {
		if v.ParentBladeIP != serverIP {
			continue
		}

		totals.VMCount++
		totals.CPUSum += v.Hardware.CPUCount
		totals.MemSum += v.Hardware.MemoryMB
	}

	return totals, nil
}

func (m *Memory) Reset(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.blades = map[string]*model.BladeRecord{}
	m.vms = map[string]*model.VMRecord{}

	return nil
}

func (m *Memory) Close() error {
	return nil
}

func sortBlades(blades []*model.BladeRecord) {
	sort.SliceStable(blades, func(i, j int) bool {
		if blades[i].Ordinal != blades[j].Ordinal {
			return blades[i].Ordinal < blades[j].Ordinal
		}

		return blades[i].IP < blades[j].IP
	})
}

func sortVMs(vms []*model.VMRecord) {
	sort.SliceStable(vms, func(i, j int) bool {
		if vms[i].ParentBladeIP != vms[j].ParentBladeIP {
			return vms[i].ParentBladeIP < vms[j].ParentBladeIP
		}

		if vms[i].IndexOnServer != vms[j].IndexOnServer {
			return vms[i].IndexOnServer < vms[j].IndexOnServer
		}

		return vms[i].IP < vms[j].IP
	})
}
