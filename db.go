package mdt

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/pebble/vfs"
	"golang.org/x/sync/singleflight"

	"github.com/andreyvit/mdt/tablestore"
)

type DB struct {
	name   string
	root   string
	prefix string
	opt    Options

	fs          vfs.FS
	tables      tablestore.Client
	ownsTables  bool
	schemaTable tablestore.Table

	ctx     context.Context
	logger  *slog.Logger
	verbose bool

	registryLock sync.RWMutex
	registry     map[string]*Table
	reserved     map[string]string // remote table name suffix -> owning table
	creates      singleflight.Group
	closed       atomic.Bool

	PutCount      atomic.Uint64
	PendingPuts   atomic.Int64
	FailedPuts    atomic.Uint64
	MutationCount atomic.Uint64
}

type Options struct {
	Logger    *slog.Logger
	Verbose   bool
	IsTesting bool

	// FS holds the database directory and the value logs. Defaults to vfs.Default.
	FS vfs.FS

	// Tables is the table service. If nil, a Bolt-backed service is opened
	// at {name}/Tera/tables.db on the OS filesystem and closed with the DB.
	Tables tablestore.Client

	// MaxLogFileSize is the value log segment size, see valuelog.Options.
	MaxLogFileSize int64

	// WriterID names this process in value log file names. Defaults to a random UUID.
	WriterID string

	// NoSync skips fsync of value log segments.
	NoSync bool
}

// CreateDatabase opens the database rooted at directory name, creating
// whatever doesn't exist yet. Remote tables are named after the base name of
// the directory.
func CreateDatabase(opt Options, name string) (*DB, error) {
	if opt.FS == nil {
		opt.FS = vfs.Default
	}
	if opt.Logger == nil {
		opt.Logger = slog.Default()
	}
	fs := opt.FS

	root := name
	prefix := fs.PathBase(root)
	if root == "" || prefix == "" || prefix == "." || prefix == "/" {
		return nil, tableErrf(DirectoryCreateFailure, "", nil, "invalid database name %q", name)
	}

	db := &DB{
		name:     name,
		root:     root,
		prefix:   prefix,
		opt:      opt,
		fs:       fs,
		ctx:      context.Background(),
		logger:   opt.Logger,
		verbose:  opt.Verbose,
		registry: make(map[string]*Table),
		reserved: make(map[string]string),
	}

	for _, dir := range []string{root, fs.PathJoin(root, filesystemDir)} {
		if err := fs.MkdirAll(dir, 0o755); err != nil {
			return nil, tableErrf(DirectoryCreateFailure, "", err, "%s", dir)
		}
	}

	if opt.Tables != nil {
		db.tables = opt.Tables
	} else {
		dir := fs.PathJoin(root, tablesDir)
		if err := fs.MkdirAll(dir, 0o755); err != nil {
			return nil, tableErrf(DirectoryCreateFailure, "", err, "%s", dir)
		}
		bc, err := tablestore.OpenBolt(fs.PathJoin(dir, "tables.db"), tablestore.BoltOptions{
			IsTesting: opt.IsTesting,
			Timeout:   10 * time.Second,
		})
		if err != nil {
			return nil, tableErrf(RemoteTableOpenFailure, "", err, "opening table service")
		}
		db.tables = bc
		db.ownsTables = true
	}

	schemaName := db.remoteName(schemaTableName)
	err := db.tables.CreateTable(newRemoteDescriptor(schemaName, schemaFamily))
	if err != nil {
		db.closeTables()
		return nil, tableErrf(RemoteTableCreateFailure, "", err, "%s", schemaName)
	}
	db.schemaTable, err = db.tables.OpenTable(schemaName)
	if err != nil {
		db.closeTables()
		return nil, tableErrf(RemoteTableOpenFailure, "", err, "%s", schemaName)
	}
	db.reserved[schemaTableName] = ""

	db.logger.LogAttrs(db.ctx, slog.LevelInfo, "mdt: database ready",
		slog.String("root", root),
		slog.String("prefix", prefix),
		slog.Bool("bolt", db.ownsTables))
	return db, nil
}

func (db *DB) Name() string {
	return db.name
}

// Prefix is the prefix of every remote table name of this database.
func (db *DB) Prefix() string {
	return db.prefix
}

func (db *DB) remoteName(name string) string {
	return db.prefix + "#" + name
}

// CreateTable creates and registers every table of req that isn't registered
// yet. Tables are created in order; the first failure stops the request, and
// tables created before it stay registered.
func (db *DB) CreateTable(req *CreateRequest) error {
	if db.closed.Load() {
		return tableErrf(RemoteTableCreateFailure, "", tablestore.ErrClosed, "database closed")
	}
	if req.DBName != "" && req.DBName != db.name && req.DBName != db.prefix {
		return tableErrf(SchemaMismatch, "", nil, "request is for database %q, this is %q", req.DBName, db.name)
	}
	for i := range req.Tables {
		td := req.Tables[i]
		if err := td.validate(); err != nil {
			return err
		}
		if existing := db.Table(td.TableName); existing != nil {
			db.skipExisting(existing, td)
			continue
		}
		v, err, _ := db.creates.Do(td.TableName, func() (any, error) {
			return db.createAndRegister(td)
		})
		if err != nil {
			return err
		}
		db.skipExisting(v.(*Table), td)
	}
	return nil
}

func (db *DB) skipExisting(tbl *Table, td TableDescription) {
	if !tbl.desc.Equal(td) {
		db.logger.LogAttrs(db.ctx, slog.LevelWarn, "mdt: table exists with a different description, keeping it",
			slog.String("table", td.TableName))
	}
}

func (db *DB) createAndRegister(td TableDescription) (*Table, error) {
	if existing := db.Table(td.TableName); existing != nil {
		return existing, nil
	}
	if err := db.reserve(&td); err != nil {
		return nil, err
	}
	tbl, err := createTable(db, td)
	if err != nil {
		db.release(&td)
		db.logger.LogAttrs(db.ctx, slog.LevelError, "mdt: table create failed",
			slog.String("table", td.TableName),
			slog.Any("err", err))
		return nil, err
	}

	db.registryLock.Lock()
	db.registry[td.TableName] = tbl
	db.registryLock.Unlock()
	return tbl, nil
}

// reserve claims the remote table names td needs. A name may be owned by one
// table only: two tables sharing an index table would write into each other.
func (db *DB) reserve(td *TableDescription) error {
	db.registryLock.Lock()
	defer db.registryLock.Unlock()
	check := func(index, name string) error {
		if owner, ok := db.reserved[name]; ok && owner != td.TableName {
			return newError(SchemaMismatch, td.TableName, index, nil, nil, "remote table %s is already used by %q", db.remoteName(name), owner)
		}
		return nil
	}
	if err := check("", td.TableName); err != nil {
		return err
	}
	for _, idx := range td.Indexes {
		if err := check(idx.IndexName, idx.IndexName); err != nil {
			return err
		}
	}
	db.reserved[td.TableName] = td.TableName
	for _, idx := range td.Indexes {
		db.reserved[idx.IndexName] = td.TableName
	}
	return nil
}

func (db *DB) release(td *TableDescription) {
	db.registryLock.Lock()
	defer db.registryLock.Unlock()
	for name, owner := range db.reserved {
		if owner == td.TableName {
			delete(db.reserved, name)
		}
	}
}

// Table returns the registered table with the given name, or nil.
func (db *DB) Table(name string) *Table {
	db.registryLock.RLock()
	defer db.registryLock.RUnlock()
	return db.registry[name]
}

func (db *DB) TableNames() []string {
	db.registryLock.RLock()
	names := make([]string, 0, len(db.registry))
	for name := range db.registry {
		names = append(names, name)
	}
	db.registryLock.RUnlock()
	slices.Sort(names)
	return names
}

// Put routes req to its table, see Table.Put. Requests for unregistered
// tables fail with UnknownTable, reported to cb before Put returns.
func (db *DB) Put(req *StoreRequest, cb StoreCallback) {
	tbl := db.Table(req.TableName)
	if tbl == nil {
		db.putStarted()
		resp := &StoreResponse{Err: tableErrf(UnknownTable, req.TableName, nil, "")}
		db.putDone(resp)
		cb(req, resp)
		return
	}
	tbl.Put(req, cb)
}

// PutAndWait calls Put and waits for its outcome. ctx only bounds the wait: a
// Put abandoned this way still runs to completion.
func (db *DB) PutAndWait(ctx context.Context, req *StoreRequest) (*StoreResponse, error) {
	ch := make(chan *StoreResponse, 1)
	db.Put(req, func(_ *StoreRequest, resp *StoreResponse) {
		ch <- resp
	})
	select {
	case resp := <-ch:
		return resp, resp.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (db *DB) putStarted() {
	db.PutCount.Add(1)
	db.PendingPuts.Add(1)
}

func (db *DB) putDone(resp *StoreResponse) {
	db.PendingPuts.Add(-1)
	if resp.Err != nil {
		db.FailedPuts.Add(1)
	}
}

// Close closes the value logs and, if the DB opened it, the table service.
// Puts in flight still complete, possibly with errors.
func (db *DB) Close() error {
	if !db.closed.CompareAndSwap(false, true) {
		return nil
	}
	var errs []error
	db.registryLock.RLock()
	for _, tbl := range db.registry {
		if err := tbl.log.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	db.registryLock.RUnlock()
	if err := db.closeTables(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (db *DB) closeTables() error {
	if !db.ownsTables {
		return nil
	}
	return db.tables.Close()
}
