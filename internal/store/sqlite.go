package store

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/metal-toolbox/bladedirector/internal/metrics"
	"github.com/metal-toolbox/bladedirector/internal/model"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	_ "modernc.org/sqlite" // sqlite driver
)

const (
	sqliteDriver = "sqlite"

	bladeColumns = `ip, ordinal, bmc_ip, bmc_port, iscsi_ip, state, current_owner, next_owner, last_keepalive,
		bios_deploying, vm_server, last_deployed_bios, vm_deploy_state, current_snapshot,
		max_vms, max_vm_memory_mb, max_cpu_count`

	vmColumns = `ip, parent_blade_ip, iscsi_ip, eth_mac, iscsi_mac, index_on_server, display_name,
		kernel_debug_host, kernel_debug_port, kernel_debug_key, memory_mb, cpu_count, current_snapshot,
		state, current_owner, next_owner, last_keepalive`
)

// SQLite is the Repository backed by an embedded sqlite database.
type SQLite struct {
	db     *sql.DB
	logger *logrus.Logger
}

// NewSQLite opens the database at dsn and applies pending migrations.
//
// The connection pool is limited to a single connection, the store is single writer.
func NewSQLite(dsn string, logger *logrus.Logger) (*SQLite, error) {
	if dsn == "" {
		return nil, errors.Wrap(ErrStoreKind, "sqlite store requires a path")
	}

	db, err := sql.Open(sqliteDriver, dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}

	db.SetMaxOpenConns(1)

	if err := NewMigrator(db, sqliteMigrations...).Run(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &SQLite{db: db, logger: logger}, nil
}

func (s *SQLite) queryError(err error, op string) error {
	metrics.StoreQueryErrorCount.WithLabelValues(string(model.StoreKindSQLite)).Inc()

	s.logger.WithFields(logrus.Fields{"op": op, "err": err}).Debug("store query error")

	return errors.Wrap(err, op)
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}

	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}

	return time.Unix(0, n)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBlade(row rowScanner) (*model.BladeRecord, error) {
	var (
		b                       model.BladeRecord
		keepalive               int64
		biosDeploying, vmServer bool
		state, deployState      string
	)

	err := row.Scan(&b.IP, &b.Ordinal, &b.BMCIP, &b.BMCPort, &b.ISCSIIP, &state, &b.CurrentOwner, &b.NextOwner,
		&keepalive, &biosDeploying, &vmServer, &b.LastDeployedBIOS, &deployState, &b.CurrentSnapshot,
		&b.MaxVMs, &b.MaxVMMemoryMB, &b.MaxCPUCount)
	if err != nil {
		return nil, err
	}

	b.State = model.LeaseState(state)
	b.VMDeployState = model.VMDeployState(deployState)
	b.LastKeepAlive = fromUnixNano(keepalive)
	b.CurrentlyHavingBIOSDeployed = biosDeploying
	b.CurrentlyBeingVMServer = vmServer

	return &b, nil
}

func bladeArgs(b *model.BladeRecord) []any {
	return []any{
		b.IP, b.Ordinal, b.BMCIP, b.BMCPort, b.ISCSIIP, string(b.State), b.CurrentOwner, b.NextOwner,
		unixNano(b.LastKeepAlive), b.CurrentlyHavingBIOSDeployed, b.CurrentlyBeingVMServer, b.LastDeployedBIOS,
		string(b.VMDeployState), b.CurrentSnapshot, b.MaxVMs, b.MaxVMMemoryMB, b.MaxCPUCount,
	}
}

func scanVM(row rowScanner) (*model.VMRecord, error) {
	var (
		v         model.VMRecord
		keepalive int64
		state     string
	)

	err := row.Scan(&v.IP, &v.ParentBladeIP, &v.ISCSIIP, &v.EthMAC, &v.ISCSIMAC, &v.IndexOnServer, &v.DisplayName,
		&v.KernelDebugHost, &v.KernelDebugPort, &v.KernelDebugKey, &v.Hardware.MemoryMB, &v.Hardware.CPUCount,
		&v.CurrentSnapshot, &state, &v.CurrentOwner, &v.NextOwner, &keepalive)
	if err != nil {
		return nil, err
	}

	v.State = model.LeaseState(state)
	v.LastKeepAlive = fromUnixNano(keepalive)

	return &v, nil
}

func vmArgs(v *model.VMRecord) []any {
	return []any{
		v.IP, v.ParentBladeIP, v.ISCSIIP, v.EthMAC, v.ISCSIMAC, v.IndexOnServer, v.DisplayName,
		v.KernelDebugHost, v.KernelDebugPort, v.KernelDebugKey, v.Hardware.MemoryMB, v.Hardware.CPUCount,
		v.CurrentSnapshot, string(v.State), v.CurrentOwner, v.NextOwner, unixNano(v.LastKeepAlive),
	}
}

const (
	insertBladeSQL = `INSERT INTO blades (` + bladeColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	upsertBladeSQL = insertBladeSQL + ` ON CONFLICT(ip) DO UPDATE SET
		ordinal = excluded.ordinal, bmc_ip = excluded.bmc_ip, bmc_port = excluded.bmc_port,
		iscsi_ip = excluded.iscsi_ip, state = excluded.state, current_owner = excluded.current_owner,
		next_owner = excluded.next_owner, last_keepalive = excluded.last_keepalive,
		bios_deploying = excluded.bios_deploying, vm_server = excluded.vm_server,
		last_deployed_bios = excluded.last_deployed_bios, vm_deploy_state = excluded.vm_deploy_state,
		current_snapshot = excluded.current_snapshot, max_vms = excluded.max_vms,
		max_vm_memory_mb = excluded.max_vm_memory_mb, max_cpu_count = excluded.max_cpu_count`

	insertVMSQL = `INSERT INTO vms (` + vmColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	upsertVMSQL = insertVMSQL + ` ON CONFLICT(ip) DO UPDATE SET
		parent_blade_ip = excluded.parent_blade_ip, iscsi_ip = excluded.iscsi_ip, eth_mac = excluded.eth_mac,
		iscsi_mac = excluded.iscsi_mac, index_on_server = excluded.index_on_server,
		display_name = excluded.display_name, kernel_debug_host = excluded.kernel_debug_host,
		kernel_debug_port = excluded.kernel_debug_port, kernel_debug_key = excluded.kernel_debug_key,
		memory_mb = excluded.memory_mb, cpu_count = excluded.cpu_count,
		current_snapshot = excluded.current_snapshot, state = excluded.state,
		current_owner = excluded.current_owner, next_owner = excluded.next_owner,
		last_keepalive = excluded.last_keepalive`
)

func (s *SQLite) BladeByIP(ctx context.Context, ip string) (*model.BladeRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+bladeColumns+` FROM blades WHERE ip = ?`, ip)

	blade, err := scanBlade(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrap(ErrNotFound, "blade: "+ip)
	}

	if err != nil {
		return nil, s.queryError(err, "blade by ip")
	}

	return blade, nil
}

func (s *SQLite) VMByIP(ctx context.Context, ip string) (*model.VMRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+vmColumns+` FROM vms WHERE ip = ?`, ip)

	vm, err := scanVM(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrap(ErrNotFound, "vm: "+ip)
	}

	if err != nil {
		return nil, s.queryError(err, "vm by ip")
	}

	return vm, nil
}

func (s *SQLite) CreateBlade(ctx context.Context, blade *model.BladeRecord) error {
	_, err := s.db.ExecContext(ctx, insertBladeSQL, bladeArgs(blade)...)
	if isUniqueViolation(err) {
		return errors.Wrap(ErrDuplicate, "blade: "+blade.IP)
	}

	if err != nil {
		return s.queryError(err, "create blade")
	}

	return nil
}

func (s *SQLite) CreateVM(ctx context.Context, vm *model.VMRecord) error {
	_, err := s.db.ExecContext(ctx, insertVMSQL, vmArgs(vm)...)
	if isUniqueViolation(err) {
		return errors.Wrap(ErrDuplicate, "vm: "+vm.IP)
	}

	if err != nil {
		return s.queryError(err, "create vm")
	}

	return nil
}

func (s *SQLite) PutBlade(ctx context.Context, blade *model.BladeRecord) error {
	if _, err := s.db.ExecContext(ctx, upsertBladeSQL, bladeArgs(blade)...); err != nil {
		return s.queryError(err, "put blade")
	}

	return nil
}

func (s *SQLite) PutVM(ctx context.Context, vm *model.VMRecord) error {
	if _, err := s.db.ExecContext(ctx, upsertVMSQL, vmArgs(vm)...); err != nil {
		return s.queryError(err, "put vm")
	}

	return nil
}

func (s *SQLite) UpdateBlade(ctx context.Context, ip string, fn BladeUpdateFunc) (*model.BladeRecord, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, s.queryError(err, "update blade")
	}

	// nolint:errcheck // rollback after commit is a no-op
	defer tx.Rollback()

	blade, err := scanBlade(tx.QueryRowContext(ctx, `SELECT `+bladeColumns+` FROM blades WHERE ip = ?`, ip))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrap(ErrNotFound, "blade: "+ip)
	}

	if err != nil {
		return nil, s.queryError(err, "update blade")
	}

	current := *blade

	if err := fn(blade); err != nil {
		if errors.Is(err, ErrNoUpdate) {
			return &current, nil
		}

		return nil, err
	}

	if _, err := tx.ExecContext(ctx, upsertBladeSQL, bladeArgs(blade)...); err != nil {
		return nil, s.queryError(err, "update blade")
	}

	if err := tx.Commit(); err != nil {
		return nil, s.queryError(err, "update blade")
	}

	return blade, nil
}

func (s *SQLite) UpdateVM(ctx context.Context, ip string, fn VMUpdateFunc) (*model.VMRecord, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, s.queryError(err, "update vm")
	}

	// nolint:errcheck // rollback after commit is a no-op
	defer tx.Rollback()

	vm, err := scanVM(tx.QueryRowContext(ctx, `SELECT `+vmColumns+` FROM vms WHERE ip = ?`, ip))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrap(ErrNotFound, "vm: "+ip)
	}

	if err != nil {
		return nil, s.queryError(err, "update vm")
	}

	current := *vm

	if err := fn(vm); err != nil {
		if errors.Is(err, ErrNoUpdate) {
			return &current, nil
		}

		return nil, err
	}

	if _, err := tx.ExecContext(ctx, upsertVMSQL, vmArgs(vm)...); err != nil {
		return nil, s.queryError(err, "update vm")
	}

	if err := tx.Commit(); err != nil {
		return nil, s.queryError(err, "update vm")
	}

	return vm, nil
}

func (s *SQLite) deleteByIP(ctx context.Context, table, ip string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM `+table+` WHERE ip = ?`, ip)
	if err != nil {
		return s.queryError(err, "delete from "+table)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return s.queryError(err, "delete from "+table)
	}

	if affected == 0 {
		return errors.Wrap(ErrNotFound, table+": "+ip)
	}

	return nil
}

func (s *SQLite) DeleteBlade(ctx context.Context, ip string) error {
	return s.deleteByIP(ctx, "blades", ip)
}

func (s *SQLite) DeleteVM(ctx context.Context, ip string) error {
	return s.deleteByIP(ctx, "vms", ip)
}

func (s *SQLite) ListBlades(ctx context.Context) ([]*model.BladeRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+bladeColumns+` FROM blades ORDER BY ordinal ASC, ip ASC`)
	if err != nil {
		return nil, s.queryError(err, "list blades")
	}

	defer func() {
		if err := rows.Close(); err != nil {
			s.logger.WithError(err).Warn("failed to close rows")
		}
	}()

	blades := []*model.BladeRecord{}

	for rows.Next() {
		blade, err := scanBlade(rows)
		if err != nil {
			return nil, s.queryError(err, "scan blade")
		}

		blades = append(blades, blade)
	}

	return blades, rows.Err()
}

func (s *SQLite) queryVMs(ctx context.Context, where string, args ...any) ([]*model.VMRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+vmColumns+` FROM vms `+where+` ORDER BY parent_blade_ip ASC, index_on_server ASC, ip ASC`,
		args...,
	)
	if err != nil {
		return nil, s.queryError(err, "list vms")
	}

	defer func() {
		if err := rows.Close(); err != nil {
			s.logger.WithError(err).Warn("failed to close rows")
		}
	}()

	vms := []*model.VMRecord{}

	for rows.Next() {
		vm, err := scanVM(rows)
		if err != nil {
			return nil, s.queryError(err, "scan vm")
		}

		vms = append(vms, vm)
	}

	return vms, rows.Err()
}

func (s *SQLite) ListVMs(ctx context.Context) ([]*model.VMRecord, error) {
	return s.queryVMs(ctx, "")
}

func (s *SQLite) VMsByParent(ctx context.Context, parentIP string) ([]*model.VMRecord, error) {
	return s.queryVMs(ctx, "WHERE parent_blade_ip = ?", parentIP)
}

func (s *SQLite) Totals(ctx context.Context, serverIP string) (model.Totals, error) {
	var totals model.Totals

	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(cpu_count), 0), COALESCE(SUM(memory_mb), 0), COUNT(*) FROM vms WHERE parent_blade_ip = ?`,
		serverIP,
	).Scan(&totals.CPUSum, &totals.MemSum, &totals.VMCount)
	if err != nil {
		return model.Totals{}, s.queryError(err, "vm totals")
	}

	return totals, nil
}

func (s *SQLite) Reset(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return s.queryError(err, "reset")
	}

	// nolint:errcheck // rollback after commit is a no-op
	defer tx.Rollback()

	for _, table := range []string{"vms", "blades"} {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table); err != nil {
			return s.queryError(err, "reset "+table)
		}
	}

	return tx.Commit()
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
