package mdt

import (
	"fmt"
	"strings"
)

type DumpFlags uint64

const (
	DumpTableHeaders = DumpFlags(1 << iota)
	DumpStats
	DumpIndices
	DumpSegments

	DumpAll = DumpFlags(0xFFFFFFFFFFFFFFFF)
)

var (
	dumpSep1 = strings.Repeat("=", 80)
	dumpSep2 = strings.Repeat("-", 60)
)

func (f DumpFlags) Contains(v DumpFlags) bool {
	return (f & v) == v
}

// Dump describes the registered tables, their remote tables and value log
// segments, for debugging.
func (db *DB) Dump(f DumpFlags) string {
	var buf strings.Builder
	if f.Contains(DumpStats) {
		s := db.Stats()
		fmt.Fprintf(&buf, "%s.stats: tables = %d, puts = %d, pending = %d, failed = %d, mutations = %d\n", db.prefix, s.Tables, s.PutCount, s.PendingPuts, s.FailedPuts, s.MutationCount)
	}
	for _, name := range db.TableNames() {
		if tbl := db.Table(name); tbl != nil {
			tbl.dump(&buf, db.prefix+".", f)
		}
	}
	return buf.String()
}

func (tbl *Table) dump(w *strings.Builder, prefix string, f DumpFlags) {
	prefix = prefix + tbl.Name()
	if f.Contains(DumpTableHeaders) {
		fmt.Fprintln(w, dumpSep1)
		fmt.Fprintf(w, "%s (%v key, %d indexes) => %s\n", prefix, tbl.desc.PrimaryKeyType, len(tbl.desc.Indexes), tbl.primary.Name())
	}
	if f.Contains(DumpIndices) {
		for _, idx := range tbl.desc.Indexes {
			ti := tbl.indexes[idx.IndexName]
			fmt.Fprintf(w, "%s.i.%s (%v key) => %s\n", prefix, idx.IndexName, idx.IndexKeyType, ti.remote.Name())
		}
	}
	if f.Contains(DumpSegments) {
		segs := tbl.log.Segments()
		if f.Contains(DumpTableHeaders) && len(segs) > 0 {
			fmt.Fprintln(w, dumpSep2)
		}
		for i, seg := range segs {
			fmt.Fprintf(w, "%s.seg.%d: %s\n", prefix, i+1, seg)
		}
	}
}
