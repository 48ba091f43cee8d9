package tablestore

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"
	"unsafe"

	"github.com/vmihailenco/msgpack/v5"
	"go.etcd.io/bbolt"
)

var descriptorsBucket = []byte("_tables")

type BoltOptions struct {
	IsTesting bool
	Timeout   time.Duration
	MmapSize  int
}

// BoltClient keeps every table as a root Bolt bucket with one nested bucket
// per column family. Table descriptors live in the _tables bucket.
type BoltClient struct {
	bdb *bbolt.DB

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

var _ Client = (*BoltClient)(nil)

func OpenBolt(path string, opt BoltOptions) (*BoltClient, error) {
	bopt := *bbolt.DefaultOptions
	bopt.Timeout = opt.Timeout
	if bopt.Timeout == 0 {
		bopt.Timeout = 10 * time.Second
	}
	if opt.IsTesting {
		bopt.NoSync = true
		bopt.NoFreelistSync = true
		bopt.InitialMmapSize = 1024 * 1024 * 5
	} else {
		bopt.InitialMmapSize = 1024 * 1024 * 64
		bopt.FreelistType = bbolt.FreelistMapType
	}
	if opt.MmapSize != 0 {
		bopt.InitialMmapSize = opt.MmapSize
	}

	bdb, err := bbolt.Open(path, 0666, &bopt)
	if err != nil {
		return nil, fmt.Errorf("tablestore: %w", err)
	}
	err = bdb.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(descriptorsBucket)
		return err
	})
	if err != nil {
		bdb.Close()
		return nil, fmt.Errorf("tablestore: %w", err)
	}
	return &BoltClient{bdb: bdb}, nil
}

func (c *BoltClient) Bolt() *bbolt.DB {
	return c.bdb
}

func (c *BoltClient) CreateTable(desc *Descriptor) error {
	if err := desc.validate(); err != nil {
		return err
	}
	if desc.Name == string(descriptorsBucket) {
		return fmt.Errorf("tablestore: table name %q is reserved", desc.Name)
	}
	if c.isClosed() {
		return ErrClosed
	}
	rawDesc, err := msgpack.Marshal(desc)
	if err != nil {
		return fmt.Errorf("tablestore: encoding descriptor of %s: %w", desc.Name, err)
	}
	return c.bdb.Update(func(tx *bbolt.Tx) error {
		root, err := tx.CreateBucketIfNotExists(unsafeBytesFromString(desc.Name))
		if err != nil {
			return fmt.Errorf("tablestore: creating %s: %w", desc.Name, err)
		}
		for _, cf := range desc.ColumnFamilies {
			_, err := root.CreateBucketIfNotExists(unsafeBytesFromString(cf.Name))
			if err != nil {
				return fmt.Errorf("tablestore: creating %s:%s: %w", desc.Name, cf.Name, err)
			}
		}
		descB := tx.Bucket(descriptorsBucket)
		if descB.Get(unsafeBytesFromString(desc.Name)) != nil {
			// Re-creating by name keeps the original layout.
			return nil
		}
		return descB.Put([]byte(desc.Name), rawDesc)
	})
}

func (c *BoltClient) OpenTable(name string) (Table, error) {
	if c.isClosed() {
		return nil, ErrClosed
	}
	var desc Descriptor
	err := c.bdb.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(descriptorsBucket).Get(unsafeBytesFromString(name))
		if raw == nil {
			return ErrTableNotFound
		}
		return msgpack.Unmarshal(raw, &desc)
	})
	if err != nil {
		return nil, fmt.Errorf("tablestore: opening %s: %w", name, err)
	}
	return &BoltTable{c: c, desc: &desc}, nil
}

// Close waits for in-flight mutations and closes the Bolt file.
func (c *BoltClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.wg.Wait()
	return c.bdb.Close()
}

func (c *BoltClient) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

// begin registers an in-flight mutation; it returns false after Close.
func (c *BoltClient) begin() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return false
	}
	c.wg.Add(1)
	return true
}

type BoltTable struct {
	c    *BoltClient
	desc *Descriptor
}

var _ Table = (*BoltTable)(nil)

func (t *BoltTable) Name() string { return t.desc.Name }

func (t *BoltTable) Descriptor() *Descriptor { return t.desc.clone() }

func (t *BoltTable) NewMutation(row []byte) *Mutation {
	return newMutation(t.desc.Name, row)
}

func (t *BoltTable) ApplyAsync(m *Mutation, done func(err error)) {
	if err := m.markApplied(); err != nil {
		go done(err)
		return
	}
	if !t.c.begin() {
		go done(ErrClosed)
		return
	}
	go func() {
		defer t.c.wg.Done()
		done(t.apply(m))
	}()
}

func (t *BoltTable) apply(m *Mutation) error {
	if m.table != t.desc.Name {
		return fmt.Errorf("tablestore: mutation of %s applied to %s", m.table, t.desc.Name)
	}
	cells := make([]Cell, len(m.cells))
	for i, cell := range m.cells {
		comp, ok := t.desc.compressionOf(cell.Family)
		if !ok {
			return fmt.Errorf("tablestore: %s:%s: %w", t.desc.Name, cell.Family, ErrUnknownFamily)
		}
		cells[i] = Cell{cell.Family, encodeCell(comp, cell.Value)}
	}

	// Batch may call the function more than once; all writes are idempotent puts.
	return t.c.bdb.Batch(func(tx *bbolt.Tx) error {
		root := tx.Bucket(unsafeBytesFromString(t.desc.Name))
		if root == nil {
			return fmt.Errorf("tablestore: %s: %w", t.desc.Name, ErrTableNotFound)
		}
		for _, cell := range cells {
			b := root.Bucket(unsafeBytesFromString(cell.Family))
			if b == nil {
				return fmt.Errorf("tablestore: %s:%s: %w", t.desc.Name, cell.Family, ErrUnknownFamily)
			}
			if err := b.Put(m.row, cell.Value); err != nil {
				return err
			}
		}
		return nil
	})
}

// Get returns the cell value of the given row, or nil if the row has no such cell.
func (t *BoltTable) Get(row []byte, family string) ([]byte, error) {
	comp, ok := t.desc.compressionOf(family)
	if !ok {
		return nil, ErrUnknownFamily
	}
	var raw []byte
	err := t.c.bdb.View(func(tx *bbolt.Tx) error {
		root := tx.Bucket(unsafeBytesFromString(t.desc.Name))
		if root == nil {
			return ErrTableNotFound
		}
		b := root.Bucket(unsafeBytesFromString(family))
		if b == nil {
			return ErrUnknownFamily
		}
		raw = slices.Clone(b.Get(row))
		return nil
	})
	if err != nil || raw == nil {
		return nil, err
	}
	return decodeCell(comp, raw)
}

// Rows returns all row keys of the given column family in order.
func (t *BoltTable) Rows(family string) ([][]byte, error) {
	var rows [][]byte
	err := t.c.bdb.View(func(tx *bbolt.Tx) error {
		root := tx.Bucket(unsafeBytesFromString(t.desc.Name))
		if root == nil {
			return ErrTableNotFound
		}
		b := root.Bucket(unsafeBytesFromString(family))
		if b == nil {
			return ErrUnknownFamily
		}
		return b.ForEach(func(k, _ []byte) error {
			rows = append(rows, slices.Clone(k))
			return nil
		})
	})
	if errors.Is(err, ErrTableNotFound) {
		return nil, fmt.Errorf("tablestore: %s: %w", t.desc.Name, err)
	}
	return rows, err
}

func unsafeBytesFromString(s string) []byte {
	return unsafe.Slice(unsafe.StringData(s), len(s))
}
