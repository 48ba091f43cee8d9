package mdt

import (
	"log/slog"

	"github.com/andreyvit/mdt/tablestore"
	"github.com/andreyvit/mdt/valuelog"
)

const (
	schemaTableName = "schema"

	localityGroupName = "lg"
	localityBlockSize = 32 * 1024

	schemaFamily     = "Schema"
	locationFamily   = "Location"
	primaryKeyFamily = "PrimaryKey"

	filesystemDir = "Filesystem"
	tablesDir     = "Tera"
	logFileName   = "*.data"
)

// Table is an open user table: a value log for payloads, a primary table
// mapping versioned primary keys to payload locations, and one table per index
// mapping versioned index keys to primary row keys.
type Table struct {
	db      *DB
	desc    TableDescription
	schema  *TableSchema
	log     *valuelog.Log
	primary tablestore.Table

	// written only by createTable
	indexes map[string]*tableIndex
}

type tableIndex struct {
	desc   IndexDescription
	remote tablestore.Table
}

func (tbl *Table) Name() string {
	return tbl.desc.TableName
}

func (tbl *Table) Description() TableDescription {
	return DisassembleTableSchema(tbl.schema)
}

func (tbl *Table) Schema() *TableSchema {
	return tbl.schema
}

func (tbl *Table) Log() *valuelog.Log {
	return tbl.log
}

func (tbl *Table) String() string {
	return tbl.desc.TableName
}

func newRemoteDescriptor(name, family string) *tablestore.Descriptor {
	desc := tablestore.NewDescriptor(name)
	lg := desc.AddLocalityGroup(localityGroupName)
	lg.BlockSize = localityBlockSize
	lg.Compression = tablestore.SnappyCompression
	desc.AddColumnFamily(family, localityGroupName)
	return desc
}

// createTable builds every resource td needs. On failure nothing is
// returned; remote tables created before the failure stay behind and are
// reused by the next attempt.
func createTable(db *DB, td TableDescription) (*Table, error) {
	name := td.TableName
	dir := db.fs.PathJoin(db.root, filesystemDir, name)
	if err := db.fs.MkdirAll(dir, 0o755); err != nil {
		return nil, tableErrf(DirectoryCreateFailure, name, err, "%s", dir)
	}

	schema := AssembleTableSchema(td)
	if err := persistTableSchema(db.schemaTable, schema); err != nil {
		return nil, tableErrf(RemoteTableCreateFailure, name, err, "persisting schema")
	}

	primaryName := db.remoteName(name)
	if err := db.tables.CreateTable(newRemoteDescriptor(primaryName, locationFamily)); err != nil {
		return nil, tableErrf(RemoteTableCreateFailure, name, err, "%s", primaryName)
	}
	for _, idx := range td.Indexes {
		indexName := db.remoteName(idx.IndexName)
		if err := db.tables.CreateTable(newRemoteDescriptor(indexName, primaryKeyFamily)); err != nil {
			return nil, newError(RemoteTableCreateFailure, name, idx.IndexName, nil, err, "%s", indexName)
		}
	}

	tbl := &Table{
		db:      db,
		desc:    td,
		schema:  schema,
		indexes: make(map[string]*tableIndex, len(td.Indexes)),
	}
	var err error
	tbl.primary, err = db.tables.OpenTable(primaryName)
	if err != nil {
		return nil, tableErrf(RemoteTableOpenFailure, name, err, "%s", primaryName)
	}
	for _, idx := range td.Indexes {
		indexName := db.remoteName(idx.IndexName)
		remote, err := db.tables.OpenTable(indexName)
		if err != nil {
			return nil, newError(RemoteTableOpenFailure, name, idx.IndexName, nil, err, "%s", indexName)
		}
		tbl.indexes[idx.IndexName] = &tableIndex{desc: idx, remote: remote}
	}

	tbl.log = valuelog.New(db.fs, dir, valuelog.Options{
		Context:     db.ctx,
		FileName:    logFileName,
		MaxFileSize: db.opt.MaxLogFileSize,
		WriterID:    db.opt.WriterID,
		DebugName:   name,
		NoSync:      db.opt.NoSync,
		Logger:      db.logger,
		Verbose:     db.verbose,
	})

	db.logger.LogAttrs(db.ctx, slog.LevelInfo, "mdt: table created",
		slog.String("table", name),
		slog.String("primary", primaryName),
		slog.Int("indexes", len(td.Indexes)),
		slog.String("dir", dir))
	return tbl, nil
}
