// Package tablestore is the narrow view of a sorted-table service that the
// write path depends on: create and open tables by name, build single-row
// mutations, and apply them asynchronously with a completion callback.
//
// Two backends are provided. OpenBolt keeps every table as a Bolt bucket with
// one nested bucket per column family. NewMem is a transient in-memory service
// intended for tests; it can hold completions until the test releases them.
package tablestore

import (
	"errors"
	"fmt"
	"slices"
	"sync/atomic"
)

var (
	// ErrTableNotFound is returned by Client.OpenTable for tables that were never created.
	ErrTableNotFound = errors.New("table not found")
	// ErrUnknownFamily is reported when a mutation sets a cell in a column family the table doesn't have.
	ErrUnknownFamily = errors.New("unknown column family")
	// ErrMutationReused is reported when the same Mutation is applied twice.
	ErrMutationReused = errors.New("mutation already applied")
	// ErrClosed is returned after the client has been closed.
	ErrClosed = errors.New("table service closed")
)

// Client creates and opens tables.
type Client interface {
	// CreateTable creates the table described by desc. Creating a table that
	// already exists is a no-op.
	CreateTable(desc *Descriptor) error

	// OpenTable returns a handle to an existing table.
	OpenTable(name string) (Table, error)

	// Close releases the client. Mutations applied after Close fail with ErrClosed.
	Close() error
}

// Table is a handle to one sorted table.
type Table interface {
	Name() string

	// NewMutation starts a mutation of the given row. The row key is copied.
	NewMutation(row []byte) *Mutation

	// ApplyAsync dispatches m. done is called exactly once, never before
	// ApplyAsync returns, and possibly on another goroutine. There is no
	// ordering between completions of different mutations.
	ApplyAsync(m *Mutation, done func(err error))
}

type Compression int

const (
	NoCompression Compression = iota
	SnappyCompression
)

func (c Compression) String() string {
	switch c {
	case NoCompression:
		return "none"
	case SnappyCompression:
		return "snappy"
	default:
		return fmt.Sprintf("compression(%d)", int(c))
	}
}

type LocalityGroup struct {
	Name        string
	BlockSize   int
	Compression Compression
}

type ColumnFamily struct {
	Name          string
	LocalityGroup string
}

// Descriptor describes a table to create.
type Descriptor struct {
	Name           string
	LocalityGroups []*LocalityGroup
	ColumnFamilies []ColumnFamily
}

func NewDescriptor(name string) *Descriptor {
	return &Descriptor{Name: name}
}

// AddLocalityGroup adds a locality group with default settings and returns it
// for further configuration.
func (d *Descriptor) AddLocalityGroup(name string) *LocalityGroup {
	lg := &LocalityGroup{Name: name}
	d.LocalityGroups = append(d.LocalityGroups, lg)
	return lg
}

func (d *Descriptor) AddColumnFamily(name, localityGroup string) {
	d.ColumnFamilies = append(d.ColumnFamilies, ColumnFamily{Name: name, LocalityGroup: localityGroup})
}

func (d *Descriptor) localityGroup(name string) *LocalityGroup {
	for _, lg := range d.LocalityGroups {
		if lg.Name == name {
			return lg
		}
	}
	return nil
}

// compressionOf returns the compression configured for the given column family.
func (d *Descriptor) compressionOf(family string) (Compression, bool) {
	for _, cf := range d.ColumnFamilies {
		if cf.Name == family {
			if lg := d.localityGroup(cf.LocalityGroup); lg != nil {
				return lg.Compression, true
			}
			return NoCompression, true
		}
	}
	return NoCompression, false
}

func (d *Descriptor) validate() error {
	if d.Name == "" {
		return fmt.Errorf("table descriptor: empty name")
	}
	if len(d.ColumnFamilies) == 0 {
		return fmt.Errorf("table descriptor %s: no column families", d.Name)
	}
	seen := make(map[string]bool, len(d.ColumnFamilies))
	for _, cf := range d.ColumnFamilies {
		if cf.Name == "" {
			return fmt.Errorf("table descriptor %s: empty column family name", d.Name)
		}
		if seen[cf.Name] {
			return fmt.Errorf("table descriptor %s: duplicate column family %q", d.Name, cf.Name)
		}
		seen[cf.Name] = true
		if cf.LocalityGroup != "" && d.localityGroup(cf.LocalityGroup) == nil {
			return fmt.Errorf("table descriptor %s: column family %q refers to unknown locality group %q", d.Name, cf.Name, cf.LocalityGroup)
		}
	}
	return nil
}

func (d *Descriptor) clone() *Descriptor {
	c := &Descriptor{
		Name:           d.Name,
		ColumnFamilies: slices.Clone(d.ColumnFamilies),
	}
	for _, lg := range d.LocalityGroups {
		lgc := *lg
		c.LocalityGroups = append(c.LocalityGroups, &lgc)
	}
	return c
}

type Cell struct {
	Family string
	Value  []byte
}

// Mutation is an atomic write of one or more cells of a single row.
type Mutation struct {
	table   string
	row     []byte
	cells   []Cell
	applied atomic.Bool
}

func newMutation(table string, row []byte) *Mutation {
	return &Mutation{
		table: table,
		row:   slices.Clone(row),
	}
}

// Set sets the cell in the given column family. The value is copied.
func (m *Mutation) Set(family string, value []byte) {
	m.cells = append(m.cells, Cell{Family: family, Value: slices.Clone(value)})
}

func (m *Mutation) Table() string { return m.table }

func (m *Mutation) Row() []byte { return m.row }

func (m *Mutation) Cells() []Cell { return m.cells }

func (m *Mutation) String() string {
	return fmt.Sprintf("%s/%x (%d cells)", m.table, m.row, len(m.cells))
}

// markApplied returns ErrMutationReused if m has already been handed to ApplyAsync.
func (m *Mutation) markApplied() error {
	if !m.applied.CompareAndSwap(false, true) {
		return ErrMutationReused
	}
	return nil
}

// Apply dispatches m and waits for it to complete.
func Apply(t Table, m *Mutation) error {
	ch := make(chan error, 1)
	t.ApplyAsync(m, func(err error) {
		ch <- err
	})
	return <-ch
}
