package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/metal-toolbox/bladedirector/internal/metrics"
	"github.com/metal-toolbox/bladedirector/internal/model"
	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

var (
	bladeBucket = []byte("blades")
	vmBucket    = []byte("vms")
)

// Bolt is the Repository backed by a bbolt file, records are stored as JSON keyed by IP.
type Bolt struct {
	db *bolt.DB
}

func NewBolt(path string) (*Bolt, error) {
	if path == "" {
		return nil, errors.Wrap(ErrStoreKind, "bolt store requires a path")
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, errors.Wrap(err, "open bolt")
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bladeBucket, vmBucket} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "create buckets")
	}

	return &Bolt{db: db}, nil
}

func boltError(err error, op string) error {
	metrics.StoreQueryErrorCount.WithLabelValues(string(model.StoreKindBolt)).Inc()
	return errors.Wrap(err, op)
}

func getJSON(tx *bolt.Tx, bucket []byte, key string, v any) (bool, error) {
	data := tx.Bucket(bucket).Get([]byte(key))
	if data == nil {
		return false, nil
	}

	return true, json.Unmarshal(data, v)
}

func putJSON(tx *bolt.Tx, bucket []byte, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	return tx.Bucket(bucket).Put([]byte(key), data)
}

func (b *Bolt) BladeByIP(_ context.Context, ip string) (*model.BladeRecord, error) {
	blade := &model.BladeRecord{}

	var found bool

	err := b.db.View(func(tx *bolt.Tx) error {
		var err error
		found, err = getJSON(tx, bladeBucket, ip, blade)

		return err
	})
	if err != nil {
		return nil, boltError(err, "blade by ip")
	}

	if !found {
		return nil, errors.Wrap(ErrNotFound, "blade: "+ip)
	}

	return blade, nil
}

func (b *Bolt) VMByIP(_ context.Context, ip string) (*model.VMRecord, error) {
	vm := &model.VMRecord{}

	var found bool

	err := b.db.View(func(tx *bolt.Tx) error {
		var err error
		found, err = getJSON(tx, vmBucket, ip, vm)

		return err
	})
	if err != nil {
		return nil, boltError(err, "vm by ip")
	}

	if !found {
		return nil, errors.Wrap(ErrNotFound, "vm: "+ip)
	}

	return vm, nil
}

func (b *Bolt) create(bucket []byte, key string, v any) error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucket).Get([]byte(key)) != nil {
			return errors.Wrap(ErrDuplicate, string(bucket)+": "+key)
		}

		return putJSON(tx, bucket, key, v)
	})

	if err != nil && !errors.Is(err, ErrDuplicate) {
		return boltError(err, "create")
	}

	return err
}

func (b *Bolt) put(bucket []byte, key string, v any) error {
	if err := b.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx, bucket, key, v)
	}); err != nil {
		return boltError(err, "put")
	}

	return nil
}

func (b *Bolt) delete(bucket []byte, key string) error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(bucket)
		if bk.Get([]byte(key)) == nil {
			return errors.Wrap(ErrNotFound, string(bucket)+": "+key)
		}

		return bk.Delete([]byte(key))
	})

	if err != nil && !errors.Is(err, ErrNotFound) {
		return boltError(err, "delete")
	}

	return err
}

func (b *Bolt) UpdateBlade(_ context.Context, ip string, fn BladeUpdateFunc) (*model.BladeRecord, error) {
	blade := &model.BladeRecord{}

	err := b.db.Update(func(tx *bolt.Tx) error {
		found, err := getJSON(tx, bladeBucket, ip, blade)
		if err != nil {
			return boltError(err, "update blade")
		}

		if !found {
			return errors.Wrap(ErrNotFound, "blade: "+ip)
		}

		if err := fn(blade); err != nil {
			return err
		}

		return putJSON(tx, bladeBucket, ip, blade)
	})

	return updated(blade, err, func() (*model.BladeRecord, error) { return b.BladeByIP(context.Background(), ip) })
}

func (b *Bolt) UpdateVM(_ context.Context, ip string, fn VMUpdateFunc) (*model.VMRecord, error) {
	vm := &model.VMRecord{}

	err := b.db.Update(func(tx *bolt.Tx) error {
		found, err := getJSON(tx, vmBucket, ip, vm)
		if err != nil {
			return boltError(err, "update vm")
		}

		if !found {
			return errors.Wrap(ErrNotFound, "vm: "+ip)
		}

		if err := fn(vm); err != nil {
			return err
		}

		return putJSON(tx, vmBucket, ip, vm)
	})

	return updated(vm, err, func() (*model.VMRecord, error) { return b.VMByIP(context.Background(), ip) })
}

// updated resolves the outcome of an update transaction, an ErrNoUpdate rollback
// returns the stored record.
func updated[T any](record *T, err error, reread func() (*T, error)) (*T, error) {
	switch {
	case err == nil:
		return record, nil
	case errors.Is(err, ErrNoUpdate):
		return reread()
	default:
		return nil, err
	}
}

func (b *Bolt) CreateBlade(_ context.Context, blade *model.BladeRecord) error {
	return b.create(bladeBucket, blade.IP, blade)
}

func (b *Bolt) CreateVM(_ context.Context, vm *model.VMRecord) error {
	return b.create(vmBucket, vm.IP, vm)
}

func (b *Bolt) PutBlade(_ context.Context, blade *model.BladeRecord) error {
	return b.put(bladeBucket, blade.IP, blade)
}

func (b *Bolt) PutVM(_ context.Context, vm *model.VMRecord) error {
	return b.put(vmBucket, vm.IP, vm)
}

func (b *Bolt) DeleteBlade(_ context.Context, ip string) error {
	return b.delete(bladeBucket, ip)
}

func (b *Bolt) DeleteVM(_ context.Context, ip string) error {
	return b.delete(vmBucket, ip)
}

func (b *Bolt) ListBlades(_ context.Context) ([]*model.BladeRecord, error) {
	blades := []*model.BladeRecord{}

	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bladeBucket).ForEach(func(_, v []byte) error {
			blade := &model.BladeRecord{}
			if err := json.Unmarshal(v, blade); err != nil {
				return err
			}

			blades = append(blades, blade)

			return nil
		})
	})
	if err != nil {
		return nil, boltError(err, "list blades")
	}

	sortBlades(blades)

	return blades, nil
}

func (b *Bolt) scanVMs(match func(*model.VMRecord) bool) ([]*model.VMRecord, error) {
	vms := []*model.VMRecord{}

	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(vmBucket).ForEach(func(_, v []byte) error {
			vm := &model.VMRecord{}
			if err := json.Unmarshal(v, vm); err != nil {
				return err
			}

			if match(vm) {
				vms = append(vms, vm)
			}

			return nil
		})
	})
	if err != nil {
		return nil, boltError(err, "list vms")
	}

	sortVMs(vms)

	return vms, nil
}

func (b *Bolt) ListVMs(_ context.Context) ([]*model.VMRecord, error) {
	return b.scanVMs(func(*model.VMRecord) bool { return true })
}

func (b *Bolt) VMsByParent(_ context.Context, parentIP string) ([]*model.VMRecord, error) {
	return b.scanVMs(func(vm *model.VMRecord) bool { return vm.ParentBladeIP == parentIP })
}

func (b *Bolt) Totals(ctx context.Context, serverIP string) (model.Totals, error) {
	vms, err := b.VMsByParent(ctx, serverIP)
	if err != nil {
		return model.Totals{}, err
	}

	var totals model.Totals

	for _, vm := range vms {
		totals.VMCount++
		totals.CPUSum += vm.Hardware.CPUCount
		totals.MemSum += vm.Hardware.MemoryMB
	}

	return totals, nil
}

func (b *Bolt) Reset(_ context.Context) error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bladeBucket, vmBucket} {
			if err := tx.DeleteBucket(bucket); err != nil {
				return err
			}

			if _, err := tx.CreateBucket(bucket); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return boltError(err, "reset")
	}

	return nil
}

func (b *Bolt) Close() error {
	return b.db.Close()
}
