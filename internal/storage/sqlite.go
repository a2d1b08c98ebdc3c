package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"guildbot/internal/economy"
	logx "guildbot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// timeLayout is fixed width in UTC so text ordering matches time ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection: SQLite has a single writer and transactions must not
	// interleave.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	for _, pragma := range []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			log.Warn("sqlite pragma failed", logx.String("pragma", pragma), logx.Err(err))
		}
	}

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	log.Info("sqlite store opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) ActiveEntities(ctx context.Context, tenant economy.TenantID, user economy.UserID) ([]economy.Entity, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, owner, name, active FROM entities
		 WHERE tenant = ? AND owner = ? AND active = 1 ORDER BY seq`,
		string(tenant), int64(user))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []economy.Entity
	for rows.Next() {
		e := economy.Entity{Tenant: tenant}
		var owner int64
		if err := rows.Scan(&e.ID, &owner, &e.Name, &e.Active); err != nil {
			return nil, err
		}
		e.Owner = economy.UserID(owner)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *sqliteStore) Entity(ctx context.Context, tenant economy.TenantID, id string) (economy.Entity, bool, error) {
	e := economy.Entity{Tenant: tenant, ID: id}
	var owner int64
	err := s.db.QueryRowContext(ctx,
		`SELECT owner, name, active FROM entities WHERE tenant = ? AND id = ?`,
		string(tenant), id).Scan(&owner, &e.Name, &e.Active)
	if errors.Is(err, sql.ErrNoRows) {
		return economy.Entity{}, false, nil
	}
	if err != nil {
		return economy.Entity{}, false, err
	}
	e.Owner = economy.UserID(owner)
	return e, true, nil
}

func (s *sqliteStore) Item(ctx context.Context, tenant economy.TenantID, name string) (economy.Item, bool, error) {
	it := economy.Item{Tenant: tenant}
	err := s.db.QueryRowContext(ctx,
		`SELECT name, description FROM items WHERE tenant = ? AND name = ?`,
		string(tenant), strings.TrimSpace(name)).Scan(&it.Name, &it.Description)
	if errors.Is(err, sql.ErrNoRows) {
		return economy.Item{}, false, nil
	}
	if err != nil {
		return economy.Item{}, false, err
	}
	return it, true, nil
}

func (s *sqliteStore) RunTransaction(ctx context.Context, tenant economy.TenantID, body func(Tx) bool) (bool, error) {
	dbtx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	tx := &sqliteTx{ctx: ctx, tx: dbtx, tenant: tenant}
	ok := body(tx)
	if !ok || tx.failed || tx.err != nil {
		if rbErr := dbtx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			s.log.Warn("sqlite rollback failed", logx.Tenant(string(tenant)), logx.Err(rbErr))
		}
		return false, tx.err
	}
	if err := dbtx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

// sqliteTx records the first backend error; later calls become no-ops.
type sqliteTx struct {
	ctx    context.Context
	tx     *sql.Tx
	tenant economy.TenantID
	failed bool
	err    error
}

func (t *sqliteTx) AddHolding(entityID, item string, qty int) bool {
	if t.failed || t.err != nil {
		return false
	}
	if qty == 0 {
		t.failed = true
		return false
	}
	var canonical string
	err := t.tx.QueryRowContext(t.ctx,
		`SELECT i.name FROM items i JOIN entities e ON e.tenant = i.tenant
		 WHERE i.tenant = ? AND i.name = ? AND e.id = ?`,
		string(t.tenant), strings.TrimSpace(item), entityID).Scan(&canonical)
	if errors.Is(err, sql.ErrNoRows) {
		t.failed = true
		return false
	}
	if err != nil {
		t.err = err
		return false
	}

	var balance int
	err = t.tx.QueryRowContext(t.ctx,
		`INSERT INTO holdings(tenant, entity_id, item, qty) VALUES(?,?,?,?)
		 ON CONFLICT(tenant, entity_id, item) DO UPDATE SET qty = qty + excluded.qty
		 RETURNING qty`,
		string(t.tenant), entityID, canonical, qty).Scan(&balance)
	if err != nil {
		t.err = err
		return false
	}
	if balance < 0 {
		t.failed = true
		return false
	}
	return true
}

func (t *sqliteTx) AppendLedger(rec economy.LedgerRecord) bool {
	if t.failed || t.err != nil {
		return false
	}
	if !validateLedger(rec) {
		t.failed = true
		return false
	}
	if rec.At.IsZero() {
		rec.At = time.Now()
	}
	_, err := t.tx.ExecContext(t.ctx,
		`INSERT INTO ledger(tenant, entity_id, task_id, kind, item, qty, note, at)
		 VALUES(?,?,?,?,?,?,?,?)
		 ON CONFLICT DO NOTHING`,
		string(t.tenant), rec.EntityID, nullStr(rec.TaskID), string(rec.Kind), rec.Item, rec.Quantity,
		nullStr(rec.Note), rec.At.UTC().Format(timeLayout))
	if err != nil {
		t.err = err
		return false
	}
	if rec.TaskID != "" {
		// ON CONFLICT DO NOTHING hides a duplicate task id; check it landed.
		var n int
		if err := t.tx.QueryRowContext(t.ctx, `SELECT changes()`).Scan(&n); err != nil {
			t.err = err
			return false
		}
		if n == 0 {
			t.failed = true
			return false
		}
	}
	return true
}

func (s *sqliteStore) TaskApplied(ctx context.Context, tenant economy.TenantID, taskID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM ledger WHERE tenant = ? AND task_id = ?`,
		string(tenant), taskID).Scan(&n)
	return n > 0, err
}

func (s *sqliteStore) CreateTask(ctx context.Context, task economy.ScheduledTask) error {
	if err := validateTask(task); err != nil {
		return err
	}
	args, err := json.Marshal(task.Args)
	if err != nil {
		return err
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks(tenant, id, type, activation, args, state, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?,?) ON CONFLICT DO NOTHING`,
		string(task.Tenant), task.ID, string(task.Type), task.ActivationTime.UTC().Format(timeLayout),
		string(args), string(task.State), task.CreatedAt.UTC().Format(timeLayout), task.CreatedAt.UTC().Format(timeLayout))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrTaskExists
	}
	return nil
}

func (s *sqliteStore) TasksByState(ctx context.Context, tenant economy.TenantID, state economy.TaskState) ([]economy.ScheduledTask, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, type, activation, args, created_at FROM tasks
		 WHERE tenant = ? AND state = ? ORDER BY activation, id`,
		string(tenant), string(state))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []economy.ScheduledTask
	for rows.Next() {
		var (
			id, typ, act, args, created string
		)
		if err := rows.Scan(&id, &typ, &act, &args, &created); err != nil {
			return nil, err
		}
		task := economy.ScheduledTask{ID: id, Tenant: tenant, Type: economy.TaskType(typ), State: state}
		if task.ActivationTime, err = time.Parse(timeLayout, act); err != nil {
			return nil, fmt.Errorf("task %s activation: %w", id, err)
		}
		task.CreatedAt, _ = time.Parse(timeLayout, created)
		if err := json.Unmarshal([]byte(args), &task.Args); err != nil {
			return nil, fmt.Errorf("task %s args: %w", id, err)
		}
		out = append(out, task)
	}
	return out, rows.Err()
}

func (s *sqliteStore) UpdateTaskState(ctx context.Context, tenant economy.TenantID, id string, state economy.TaskState) error {
	if !state.Terminal() {
		return ErrInvalid
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET state = ?, updated_at = ? WHERE tenant = ? AND id = ? AND state = ?`,
		string(state), time.Now().UTC().Format(timeLayout), string(tenant), id, string(economy.TaskScheduled))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	var exists int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM tasks WHERE tenant = ? AND id = ?`, string(tenant), id).Scan(&exists); err != nil {
		return err
	}
	if exists == 0 {
		return ErrTaskNotFound
	}
	return ErrTaskNotScheduled
}

func (s *sqliteStore) Tenants(ctx context.Context) ([]economy.TenantID, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT tenant FROM entities UNION SELECT tenant FROM items UNION SELECT tenant FROM tasks ORDER BY 1`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []economy.TenantID
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		out = append(out, economy.TenantID(t))
	}
	return out, rows.Err()
}

func (s *sqliteStore) PutEntity(ctx context.Context, e economy.Entity) error {
	if err := validateEntity(e); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO entities(tenant, id, owner, name, active) VALUES(?,?,?,?,?)
		 ON CONFLICT(tenant, id) DO UPDATE SET owner = excluded.owner, name = excluded.name, active = excluded.active`,
		string(e.Tenant), e.ID, int64(e.Owner), e.Name, e.Active)
	return err
}

func (s *sqliteStore) PutItem(ctx context.Context, it economy.Item) error {
	name := strings.TrimSpace(it.Name)
	if it.Tenant == "" || name == "" {
		return ErrInvalid
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO items(tenant, name, description) VALUES(?,?,?)
		 ON CONFLICT(tenant, name) DO UPDATE SET description = excluded.description`,
		string(it.Tenant), name, it.Description)
	return err
}

func (s *sqliteStore) Holdings(ctx context.Context, tenant economy.TenantID, entityID string) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT item, qty FROM holdings WHERE tenant = ? AND entity_id = ? AND qty != 0`,
		string(tenant), entityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]int{}
	for rows.Next() {
		var item string
		var qty int
		if err := rows.Scan(&item, &qty); err != nil {
			return nil, err
		}
		out[item] = qty
	}
	return out, rows.Err()
}

func (s *sqliteStore) Ledger(ctx context.Context, tenant economy.TenantID, entityID string) ([]economy.LedgerRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT entity_id, COALESCE(task_id, ''), kind, item, qty, COALESCE(note, ''), at FROM ledger
		 WHERE tenant = ? AND (? = '' OR entity_id = ?) ORDER BY seq`,
		string(tenant), entityID, entityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []economy.LedgerRecord
	for rows.Next() {
		rec := economy.LedgerRecord{Tenant: tenant}
		var kind, at string
		if err := rows.Scan(&rec.EntityID, &rec.TaskID, &kind, &rec.Item, &rec.Quantity, &rec.Note, &at); err != nil {
			return nil, err
		}
		rec.Kind = economy.LedgerKind(kind)
		rec.At, _ = time.Parse(timeLayout, at)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
