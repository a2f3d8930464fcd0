package store

import (
	"context"

	"github.com/metal-toolbox/bladedirector/internal/model"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var (
	// ErrNotFound is returned by point lookups and deletes when the record does not exist,
	// it is an expected outcome and not a failure.
	ErrNotFound = errors.New("resource not found")

	// ErrDuplicate is returned when creating a record whose key already exists.
	ErrDuplicate = errors.New("resource already exists")

	ErrStoreKind = errors.New("unsupported store kind")

	// ErrNoUpdate is returned by an update func to leave the stored record unchanged.
	ErrNoUpdate = errors.New("no update")
)

// BladeUpdateFunc mutates a blade record inside an atomic read-modify-write.
type BladeUpdateFunc func(*model.BladeRecord) error

// VMUpdateFunc mutates a VM record inside an atomic read-modify-write.
type VMUpdateFunc func(*model.VMRecord) error

// Repository holds the durable blade and VM records.
//
// Records are keyed by IP address. The repository provides no transactional retry,
// callers serialize mutations of a record with the lock registry and write back the
// record they read.
type Repository interface {
	BladeByIP(ctx context.Context, ip string) (*model.BladeRecord, error)
	VMByIP(ctx context.Context, ip string) (*model.VMRecord, error)

	CreateBlade(ctx context.Context, blade *model.BladeRecord) error
	CreateVM(ctx context.Context, vm *model.VMRecord) error

	// PutBlade and PutVM insert or update the record keyed by its IP.
	PutBlade(ctx context.Context, blade *model.BladeRecord) error
	PutVM(ctx context.Context, vm *model.VMRecord) error

	// UpdateBlade and UpdateVM read the record, apply fn and write the result back atomically,
	// so holders of different capability bits do not overwrite each other's fields.
	// fn must not call back into the repository. When fn returns ErrNoUpdate nothing is
	// written and the current record is returned, any other error aborts the update.
	UpdateBlade(ctx context.Context, ip string, fn BladeUpdateFunc) (*model.BladeRecord, error)
	UpdateVM(ctx context.Context, ip string, fn VMUpdateFunc) (*model.VMRecord, error)

	DeleteBlade(ctx context.Context, ip string) error
	DeleteVM(ctx context.Context, ip string) error

	// ListBlades returns every blade ordered by inventory ordinal.
	ListBlades(ctx context.Context) ([]*model.BladeRecord, error)
	// ListVMs returns every VM ordered by parent blade and index on server.
	ListVMs(ctx context.Context) ([]*model.VMRecord, error)
	VMsByParent(ctx context.Context, parentIP string) ([]*model.VMRecord, error)

	// Totals sums the capacity used by the VMs hosted on serverIP.
	Totals(ctx context.Context, serverIP string) (model.Totals, error)

	// Reset drops every blade and VM record.
	Reset(ctx context.Context) error

	Close() error
}

// Options configures the repository opened by New.
type Options struct {
	Kind model.StoreKind
	// Path is the database file for the sqlite and bolt stores.
	Path string
}

// New opens the repository of the configured kind.
func New(opts Options, logger *logrus.Logger) (Repository, error) {
	switch opts.Kind {
	case model.StoreKindSQLite:
		return NewSQLite(opts.Path, logger)
	case model.StoreKindBolt:
		return NewBolt(opts.Path)
	case model.StoreKindMemory, "":
		return NewMemory(), nil
	default:
		return nil, errors.Wrap(ErrStoreKind, string(opts.Kind))
	}
}
