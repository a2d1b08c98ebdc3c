package storage

import (
	"context"
	"maps"
	"slices"
	"sort"
	"strings"
	"sync"

	"guildbot/internal/economy"
)

// memoryStore keeps everything in maps guarded by one mutex. Transactions
// stage writes and apply them only on commit.
type memoryStore struct {
	mu      sync.Mutex
	closed  bool
	seq     uint64
	tenants map[economy.TenantID]*memTenant
}

type memTenant struct {
	entities map[string]memEntity
	items    map[string]economy.Item // lower-cased name
	holdings map[string]map[string]int
	ledger   []economy.LedgerRecord
	applied  map[string]struct{} // task ids present in the ledger
	tasks    map[string]economy.ScheduledTask
}

type memEntity struct {
	economy.Entity
	seq uint64
}

// NewMemory returns an empty in-memory Store.
func NewMemory() Store {
	return &memoryStore{tenants: map[economy.TenantID]*memTenant{}}
}

// view returns the tenant for reads without creating it.
func (s *memoryStore) view(id economy.TenantID) *memTenant {
	if t := s.tenants[id]; t != nil {
		return t
	}
	return &memTenant{}
}

func (s *memoryStore) tenant(id economy.TenantID) *memTenant {
	t := s.tenants[id]
	if t == nil {
		t = &memTenant{
			entities: map[string]memEntity{},
			items:    map[string]economy.Item{},
			holdings: map[string]map[string]int{},
			applied:  map[string]struct{}{},
			tasks:    map[string]economy.ScheduledTask{},
		}
		s.tenants[id] = t
	}
	return t
}

// lock acquires the store mutex unless ctx is done or the store is closed.
func (s *memoryStore) lock(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	return nil
}

func (s *memoryStore) ActiveEntities(ctx context.Context, tenant economy.TenantID, user economy.UserID) ([]economy.Entity, error) {
	if err := s.lock(ctx); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	var found []memEntity
	for _, e := range s.view(tenant).entities {
		if e.Owner == user && e.Active {
			found = append(found, e)
		}
	}
	sort.Slice(found, func(i, j int) bool { return found[i].seq < found[j].seq })
	out := make([]economy.Entity, len(found))
	for i, e := range found {
		out[i] = e.Entity
	}
	return out, nil
}

func (s *memoryStore) Entity(ctx context.Context, tenant economy.TenantID, id string) (economy.Entity, bool, error) {
	if err := s.lock(ctx); err != nil {
		return economy.Entity{}, false, err
	}
	defer s.mu.Unlock()
	e, ok := s.view(tenant).entities[id]
	return e.Entity, ok, nil
}

func (s *memoryStore) Item(ctx context.Context, tenant economy.TenantID, name string) (economy.Item, bool, error) {
	if err := s.lock(ctx); err != nil {
		return economy.Item{}, false, err
	}
	defer s.mu.Unlock()
	it, ok := s.view(tenant).items[itemKey(name)]
	return it, ok, nil
}

func (s *memoryStore) RunTransaction(ctx context.Context, tenant economy.TenantID, body func(Tx) bool) (bool, error) {
	if err := s.lock(ctx); err != nil {
		return false, err
	}
	defer s.mu.Unlock()

	tx := &memTx{t: s.tenant(tenant), tenant: tenant, deltas: map[string]map[string]int{}, tasks: map[string]struct{}{}}
	if !body(tx) || tx.failed {
		return false, nil
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	t := tx.t
	for entityID, items := range tx.deltas {
		h := t.holdings[entityID]
		if h == nil {
			h = map[string]int{}
			t.holdings[entityID] = h
		}
		for item, d := range items {
			h[item] += d
		}
	}
	for _, rec := range tx.ledger {
		t.ledger = append(t.ledger, rec)
		if rec.TaskID != "" {
			t.applied[rec.TaskID] = struct{}{}
		}
	}
	return true, nil
}

type memTx struct {
	t      *memTenant
	tenant economy.TenantID
	deltas map[string]map[string]int
	ledger []economy.LedgerRecord
	tasks  map[string]struct{}
	failed bool
}

func (tx *memTx) AddHolding(entityID, item string, qty int) bool {
	if tx.failed {
		return false
	}
	it, okItem := tx.t.items[itemKey(item)]
	_, okEntity := tx.t.entities[entityID]
	if !okItem || !okEntity || qty == 0 {
		tx.failed = true
		return false
	}
	d := tx.deltas[entityID]
	if d == nil {
		d = map[string]int{}
		tx.deltas[entityID] = d
	}
	if tx.t.holdings[entityID][it.Name]+d[it.Name]+qty < 0 {
		tx.failed = true
		return false
	}
	d[it.Name] += qty
	return true
}

func (tx *memTx) AppendLedger(rec economy.LedgerRecord) bool {
	if tx.failed {
		return false
	}
	if !validateLedger(rec) {
		tx.failed = true
		return false
	}
	if rec.TaskID != "" {
		_, done := tx.t.applied[rec.TaskID]
		_, staged := tx.tasks[rec.TaskID]
		if done || staged {
			tx.failed = true
			return false
		}
		tx.tasks[rec.TaskID] = struct{}{}
	}
	rec.Tenant = tx.tenant
	tx.ledger = append(tx.ledger, rec)
	return true
}

func (s *memoryStore) TaskApplied(ctx context.Context, tenant economy.TenantID, taskID string) (bool, error) {
	if err := s.lock(ctx); err != nil {
		return false, err
	}
	defer s.mu.Unlock()
	_, ok := s.view(tenant).applied[taskID]
	return ok, nil
}

func (s *memoryStore) CreateTask(ctx context.Context, task economy.ScheduledTask) error {
	if err := validateTask(task); err != nil {
		return err
	}
	if err := s.lock(ctx); err != nil {
		return err
	}
	defer s.mu.Unlock()
	t := s.tenant(task.Tenant)
	if _, dup := t.tasks[task.ID]; dup {
		return ErrTaskExists
	}
	task.Args = maps.Clone(task.Args)
	t.tasks[task.ID] = task
	return nil
}

func (s *memoryStore) TasksByState(ctx context.Context, tenant economy.TenantID, state economy.TaskState) ([]economy.ScheduledTask, error) {
	if err := s.lock(ctx); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()
	var out []economy.ScheduledTask
	for _, task := range s.view(tenant).tasks {
		if task.State == state {
			task.Args = maps.Clone(task.Args)
			out = append(out, task)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ActivationTime.Equal(out[j].ActivationTime) {
			return out[i].ID < out[j].ID
		}
		return out[i].ActivationTime.Before(out[j].ActivationTime)
	})
	return out, nil
}

func (s *memoryStore) UpdateTaskState(ctx context.Context, tenant economy.TenantID, id string, state economy.TaskState) error {
	if !state.Terminal() {
		return ErrInvalid
	}
	if err := s.lock(ctx); err != nil {
		return err
	}
	defer s.mu.Unlock()
	t := s.view(tenant)
	task, ok := t.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	if task.State != economy.TaskScheduled {
		return ErrTaskNotScheduled
	}
	task.State = state
	t.tasks[id] = task
	return nil
}

func (s *memoryStore) Tenants(ctx context.Context) ([]economy.TenantID, error) {
	if err := s.lock(ctx); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()
	out := slices.Collect(maps.Keys(s.tenants))
	slices.Sort(out)
	return out, nil
}

func (s *memoryStore) PutEntity(ctx context.Context, e economy.Entity) error {
	if err := validateEntity(e); err != nil {
		return err
	}
	if err := s.lock(ctx); err != nil {
		return err
	}
	defer s.mu.Unlock()
	t := s.tenant(e.Tenant)
	prev, ok := t.entities[e.ID]
	seq := prev.seq
	if !ok {
		s.seq++
		seq = s.seq
	}
	t.entities[e.ID] = memEntity{Entity: e, seq: seq}
	return nil
}

func (s *memoryStore) PutItem(ctx context.Context, it economy.Item) error {
	if it.Tenant == "" || strings.TrimSpace(it.Name) == "" {
		return ErrInvalid
	}
	if err := s.lock(ctx); err != nil {
		return err
	}
	defer s.mu.Unlock()
	it.Name = strings.TrimSpace(it.Name)
	s.tenant(it.Tenant).items[itemKey(it.Name)] = it
	return nil
}

func (s *memoryStore) Holdings(ctx context.Context, tenant economy.TenantID, entityID string) (map[string]int, error) {
	if err := s.lock(ctx); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()
	out := map[string]int{}
	for item, n := range s.view(tenant).holdings[entityID] {
		if n != 0 {
			out[item] = n
		}
	}
	return out, nil
}

func (s *memoryStore) Ledger(ctx context.Context, tenant economy.TenantID, entityID string) ([]economy.LedgerRecord, error) {
	if err := s.lock(ctx); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()
	var out []economy.LedgerRecord
	for _, rec := range s.view(tenant).ledger {
		if entityID == "" || rec.EntityID == entityID {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *memoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func itemKey(name string) string { return strings.ToLower(strings.TrimSpace(name)) }
