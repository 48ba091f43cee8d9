/*
Package mdt implements the write path of a document store on top of a sorted
table service (package tablestore) and a filesystem (pebble's vfs).

A database is a directory plus a set of remote tables whose names start with
the base name of that directory:

1. {db}#schema holds one row per user table, keyed by table name, with the
msgpack-encoded TableSchema in the Schema column family.

2. {db}#{table} is the primary table. Row key is the versioned primary key,
the only cell (family Location) is the location of the payload in the table's
value log.

3. {db}#{index} is one table per secondary index. Row key is the versioned
index key, the only cell (family PrimaryKey) is the primary row key.

4. {db}/Filesystem/{table}/ holds the table's value log segments.

# Versioned keys

Row keys are the tuple (key, timestamp), see RowKey. Every distinct timestamp
creates a new version of the row; writing an existing (key, timestamp) pair
again replaces that version. The tuple encoding keeps variable-length keys
from running into the timestamp.

# Put

Put appends the payload to the value log, then dispatches 1+len(Indexes)
mutations at once. Completions may arrive in any order on any goroutine; the
StoreCallback runs once, after the last of them. Schema violations and value
log failures are reported before any mutation is dispatched. Nothing is
retried.
*/
package mdt
