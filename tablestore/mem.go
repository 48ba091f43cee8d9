package tablestore

import (
	"bytes"
	"fmt"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
)

type MemOptions struct {
	// Manual holds every applied mutation until Complete or CompleteAll is
	// called, so tests can choose completion order and goroutine.
	Manual bool

	// FailApply, if set, is consulted when a mutation is about to be applied.
	// A non-nil result is reported to the completion callback and nothing is written.
	FailApply func(m *Mutation) error

	FailCreate func(desc *Descriptor) error
	FailOpen   func(name string) error
}

// MemClient is a transient in-memory table service intended for tests.
type MemClient struct {
	opt MemOptions

	mu      sync.Mutex
	tables  map[string]*memTable
	pending []*PendingMutation
	closed  bool
	creates int
	applies int
	wg      sync.WaitGroup
}

var _ Client = (*MemClient)(nil)

func NewMem(opt MemOptions) *MemClient {
	return &MemClient{
		opt:    opt,
		tables: make(map[string]*memTable),
	}
}

func (c *MemClient) CreateTable(desc *Descriptor) error {
	if err := desc.validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.creates++
	if c.opt.FailCreate != nil {
		if err := c.opt.FailCreate(desc); err != nil {
			return err
		}
	}
	if c.tables[desc.Name] != nil {
		return nil
	}
	t := &memTable{
		c:        c,
		desc:     desc.clone(),
		families: make(map[string]*memBucket, len(desc.ColumnFamilies)),
	}
	for _, cf := range desc.ColumnFamilies {
		t.families[cf.Name] = &memBucket{}
	}
	c.tables[desc.Name] = t
	return nil
}

func (c *MemClient) OpenTable(name string) (Table, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	if c.opt.FailOpen != nil {
		if err := c.opt.FailOpen(name); err != nil {
			return nil, err
		}
	}
	t := c.tables[name]
	if t == nil {
		return nil, fmt.Errorf("tablestore: opening %s: %w", name, ErrTableNotFound)
	}
	return t, nil
}

// Close fails all held mutations with ErrClosed and waits for asynchronous
// completions to finish.
func (c *MemClient) Close() error {
	c.mu.Lock()
	c.closed = true
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	for _, p := range pending {
		p.fire(ErrClosed)
	}
	c.wg.Wait()
	return nil
}

// SetManual switches Manual mode on or off for mutations applied from now on.
// Already held mutations stay held.
func (c *MemClient) SetManual(manual bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.opt.Manual = manual
}

// CreateCount returns the number of CreateTable calls, including repeated ones.
func (c *MemClient) CreateCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.creates
}

// ApplyCount returns the number of mutations that reached storage.
func (c *MemClient) ApplyCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.applies
}

func (c *MemClient) TableNames() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(c.tables))
	for name := range c.tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Get returns a copy of the cell value, or false if the table, family or row doesn't exist.
func (c *MemClient) Get(table, family string, row []byte) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.tables[table]
	if t == nil {
		return nil, false
	}
	b := t.families[family]
	if b == nil {
		return nil, false
	}
	i, ok := b.find(row)
	if !ok {
		return nil, false
	}
	comp, _ := t.desc.compressionOf(family)
	v, err := decodeCell(comp, b.items[i].value)
	if err != nil {
		return nil, false
	}
	return v, true
}

// Rows returns copies of all row keys of the given family in order.
func (c *MemClient) Rows(table, family string) [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.tables[table]
	if t == nil {
		return nil
	}
	b := t.families[family]
	if b == nil {
		return nil
	}
	rows := make([][]byte, len(b.items))
	for i, kv := range b.items {
		rows[i] = slices.Clone(kv.key)
	}
	return rows
}

// Pending returns the mutations held in Manual mode, in dispatch order.
func (c *MemClient) Pending() []*PendingMutation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.pending)
}

// Complete finishes a held mutation. With err == nil the mutation is applied
// (subject to FailApply) and the callback gets the outcome; otherwise the
// callback gets err and nothing is written. The callback runs on the calling
// goroutine.
func (c *MemClient) Complete(p *PendingMutation, err error) {
	c.mu.Lock()
	i := slices.Index(c.pending, p)
	if i < 0 {
		c.mu.Unlock()
		panic(fmt.Errorf("tablestore: %v is not pending", p.M))
	}
	c.pending = slices.Delete(c.pending, i, i+1)
	c.mu.Unlock()

	if err == nil {
		err = p.t.apply(p.M)
	}
	p.fire(err)
}

// CompleteAll successfully completes every held mutation in dispatch order.
func (c *MemClient) CompleteAll() {
	for _, p := range c.Pending() {
		c.Complete(p, nil)
	}
}

type PendingMutation struct {
	M     *Mutation
	t     *memTable
	done  func(error)
	fired atomic.Bool
}

func (p *PendingMutation) fire(err error) {
	if !p.fired.CompareAndSwap(false, true) {
		panic(fmt.Errorf("tablestore: completion of %v fired twice", p.M))
	}
	p.done(err)
}

type memTable struct {
	c        *MemClient
	desc     *Descriptor
	families map[string]*memBucket
}

var _ Table = (*memTable)(nil)

func (t *memTable) Name() string { return t.desc.Name }

func (t *memTable) NewMutation(row []byte) *Mutation {
	return newMutation(t.desc.Name, row)
}

func (t *memTable) ApplyAsync(m *Mutation, done func(err error)) {
	if err := m.markApplied(); err != nil {
		go done(err)
		return
	}
	p := &PendingMutation{M: m, t: t, done: done}

	t.c.mu.Lock()
	if t.c.closed {
		t.c.mu.Unlock()
		go p.fire(ErrClosed)
		return
	}
	if t.c.opt.Manual {
		t.c.pending = append(t.c.pending, p)
		t.c.mu.Unlock()
		return
	}
	t.c.wg.Add(1)
	t.c.mu.Unlock()

	go func() {
		defer t.c.wg.Done()
		p.fire(t.apply(m))
	}()
}

func (t *memTable) apply(m *Mutation) error {
	if t.c.opt.FailApply != nil {
		if err := t.c.opt.FailApply(m); err != nil {
			return err
		}
	}
	if m.table != t.desc.Name {
		return fmt.Errorf("tablestore: mutation of %s applied to %s", m.table, t.desc.Name)
	}

	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	for _, cell := range m.cells {
		if t.families[cell.Family] == nil {
			return fmt.Errorf("tablestore: %s:%s: %w", t.desc.Name, cell.Family, ErrUnknownFamily)
		}
	}
	for _, cell := range m.cells {
		comp, _ := t.desc.compressionOf(cell.Family)
		t.families[cell.Family].put(m.row, encodeCell(comp, cell.Value))
	}
	t.c.applies++
	return nil
}

type memBucket struct {
	items []memKV // sorted by key
}

type memKV struct {
	key   []byte
	value []byte
}

func (b *memBucket) put(key, value []byte) {
	key = slices.Clone(key)
	value = slices.Clone(value)

	i, ok := b.find(key)
	if ok {
		b.items[i].value = value
		return
	}
	b.items = slices.Insert(b.items, i, memKV{key: key, value: value})
}

func (b *memBucket) find(key []byte) (idx int, ok bool) {
	items := b.items
	i := sort.Search(len(items), func(i int) bool {
		return bytes.Compare(items[i].key, key) >= 0
	})
	if i < len(items) && bytes.Equal(items[i].key, key) {
		return i, true
	}
	return i, false
}
