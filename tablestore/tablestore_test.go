package tablestore

import (
	"bytes"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func locationDescriptor(name string) *Descriptor {
	desc := NewDescriptor(name)
	lg := desc.AddLocalityGroup("lg")
	lg.BlockSize = 32 * 1024
	lg.Compression = SnappyCompression
	desc.AddColumnFamily("Location", "lg")
	return desc
}

func openBolt(t *testing.T) *BoltClient {
	t.Helper()
	c, err := OpenBolt(filepath.Join(t.TempDir(), "tables.db"), BoltOptions{IsTesting: true})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestDescriptorValidate(t *testing.T) {
	require.Error(t, NewDescriptor("").validate())
	require.Error(t, NewDescriptor("t").validate())

	desc := NewDescriptor("t")
	desc.AddColumnFamily("a", "missing")
	require.Error(t, desc.validate())

	desc = NewDescriptor("t")
	desc.AddColumnFamily("a", "")
	desc.AddColumnFamily("a", "")
	require.Error(t, desc.validate())

	require.NoError(t, locationDescriptor("t").validate())
}

func TestBolt_CreateApplyGet(t *testing.T) {
	c := openBolt(t)
	require.NoError(t, c.CreateTable(locationDescriptor("db#T")))
	require.NoError(t, c.CreateTable(locationDescriptor("db#T")), "re-create is a no-op")

	tbl, err := c.OpenTable("db#T")
	require.NoError(t, err)
	require.Equal(t, "db#T", tbl.Name())

	value := bytes.Repeat([]byte("hello "), 100)
	m := tbl.NewMutation([]byte("pk1"))
	m.Set("Location", value)
	require.NoError(t, Apply(tbl, m))

	got, err := tbl.(*BoltTable).Get([]byte("pk1"), "Location")
	require.NoError(t, err)
	require.Equal(t, value, got)

	raw := c.rawCell(t, "db#T", "Location", []byte("pk1"))
	require.Less(t, len(raw), len(value), "cell should be stored snappy-compressed")

	got, err = tbl.(*BoltTable).Get([]byte("nope"), "Location")
	require.NoError(t, err)
	require.Nil(t, got)

	rows, err := tbl.(*BoltTable).Rows("Location")
	require.NoError(t, err)
	require.Equal(t, [][]byte{[]byte("pk1")}, rows)
}

func (c *BoltClient) rawCell(t *testing.T, table, family string, row []byte) []byte {
	t.Helper()
	tx, err := c.bdb.Begin(false)
	require.NoError(t, err)
	defer tx.Rollback()
	return bytes.Clone(tx.Bucket([]byte(table)).Bucket([]byte(family)).Get(row))
}

func TestBolt_OpenMissing(t *testing.T) {
	c := openBolt(t)
	_, err := c.OpenTable("nope")
	require.ErrorIs(t, err, ErrTableNotFound)
}

func TestBolt_UnknownFamily(t *testing.T) {
	c := openBolt(t)
	require.NoError(t, c.CreateTable(locationDescriptor("T")))
	tbl, err := c.OpenTable("T")
	require.NoError(t, err)

	m := tbl.NewMutation([]byte("r"))
	m.Set("Nope", []byte("v"))
	require.ErrorIs(t, Apply(tbl, m), ErrUnknownFamily)
}

func TestBolt_MutationReuse(t *testing.T) {
	c := openBolt(t)
	require.NoError(t, c.CreateTable(locationDescriptor("T")))
	tbl, err := c.OpenTable("T")
	require.NoError(t, err)

	m := tbl.NewMutation([]byte("r"))
	m.Set("Location", []byte("v"))
	require.NoError(t, Apply(tbl, m))
	require.ErrorIs(t, Apply(tbl, m), ErrMutationReused)
}

func TestBolt_ConcurrentApply(t *testing.T) {
	c := openBolt(t)
	require.NoError(t, c.CreateTable(locationDescriptor("T")))
	tbl, err := c.OpenTable("T")
	require.NoError(t, err)

	const n = 64
	var wg sync.WaitGroup
	var calls atomic.Int32
	wg.Add(n)
	for i := 0; i < n; i++ {
		m := tbl.NewMutation([]byte{byte(i)})
		m.Set("Location", []byte{byte(i), byte(i)})
		tbl.ApplyAsync(m, func(err error) {
			if err != nil {
				t.Error(err)
			}
			calls.Add(1)
			wg.Done()
		})
	}
	wg.Wait()
	require.EqualValues(t, n, calls.Load())

	rows, err := tbl.(*BoltTable).Rows("Location")
	require.NoError(t, err)
	require.Len(t, rows, n)
}

func TestBolt_ApplyAfterClose(t *testing.T) {
	c, err := OpenBolt(filepath.Join(t.TempDir(), "tables.db"), BoltOptions{IsTesting: true})
	require.NoError(t, err)
	require.NoError(t, c.CreateTable(locationDescriptor("T")))
	tbl, err := c.OpenTable("T")
	require.NoError(t, err)
	require.NoError(t, c.Close())

	m := tbl.NewMutation([]byte("r"))
	m.Set("Location", []byte("v"))
	require.ErrorIs(t, Apply(tbl, m), ErrClosed)
}

func TestMem_ManualCompletion(t *testing.T) {
	c := NewMem(MemOptions{Manual: true})
	require.NoError(t, c.CreateTable(locationDescriptor("T")))
	tbl, err := c.OpenTable("T")
	require.NoError(t, err)

	var results []error
	for _, row := range []string{"a", "b"} {
		m := tbl.NewMutation([]byte(row))
		m.Set("Location", []byte(row+"!"))
		tbl.ApplyAsync(m, func(err error) {
			results = append(results, err)
		})
	}
	require.Empty(t, results, "completion must not run before the test releases it")

	pending := c.Pending()
	require.Len(t, pending, 2)
	boom := errors.New("boom")
	c.Complete(pending[1], boom)
	c.Complete(pending[0], nil)
	require.Equal(t, []error{boom, nil}, results)

	v, ok := c.Get("T", "Location", []byte("a"))
	require.True(t, ok)
	require.Equal(t, []byte("a!"), v)
	_, ok = c.Get("T", "Location", []byte("b"))
	require.False(t, ok)

	require.Panics(t, func() { c.Complete(pending[0], nil) })
}

func TestMem_FailHooks(t *testing.T) {
	boom := errors.New("boom")
	c := NewMem(MemOptions{
		FailApply: func(m *Mutation) error {
			if string(m.Row()) == "bad" {
				return boom
			}
			return nil
		},
		FailOpen: func(name string) error {
			if name == "locked" {
				return boom
			}
			return nil
		},
	})
	require.NoError(t, c.CreateTable(locationDescriptor("T")))
	require.NoError(t, c.CreateTable(locationDescriptor("locked")))
	require.Equal(t, 2, c.CreateCount())

	_, err := c.OpenTable("locked")
	require.ErrorIs(t, err, boom)

	tbl, err := c.OpenTable("T")
	require.NoError(t, err)

	m := tbl.NewMutation([]byte("bad"))
	m.Set("Location", []byte("v"))
	require.ErrorIs(t, Apply(tbl, m), boom)

	m = tbl.NewMutation([]byte("good"))
	m.Set("Location", []byte("v"))
	require.NoError(t, Apply(tbl, m))
	require.Equal(t, 1, c.ApplyCount())
	require.Equal(t, [][]byte{[]byte("good")}, c.Rows("T", "Location"))
	require.Equal(t, []string{"T", "locked"}, c.TableNames())
}

func TestMem_CloseFailsHeldMutations(t *testing.T) {
	c := NewMem(MemOptions{Manual: true})
	require.NoError(t, c.CreateTable(locationDescriptor("T")))
	tbl, err := c.OpenTable("T")
	require.NoError(t, err)

	var got error
	m := tbl.NewMutation([]byte("a"))
	m.Set("Location", []byte("v"))
	tbl.ApplyAsync(m, func(err error) { got = err })
	require.NoError(t, c.Close())
	require.ErrorIs(t, got, ErrClosed)
}

func TestMem_SetManual(t *testing.T) {
	c := NewMem(MemOptions{})
	require.NoError(t, c.CreateTable(locationDescriptor("T")))
	tbl, err := c.OpenTable("T")
	require.NoError(t, err)

	m := tbl.NewMutation([]byte("a"))
	m.Set("Location", []byte("v"))
	require.NoError(t, Apply(tbl, m))
	require.Empty(t, c.Pending())

	c.SetManual(true)
	m = tbl.NewMutation([]byte("b"))
	m.Set("Location", []byte("v"))
	done := make(chan error, 1)
	tbl.ApplyAsync(m, func(err error) { done <- err })
	require.Len(t, c.Pending(), 1)

	c.SetManual(false)
	require.Len(t, c.Pending(), 1, "held mutations stay held")
	c.CompleteAll()
	require.NoError(t, <-done)
	require.Equal(t, 2, c.ApplyCount())
}
