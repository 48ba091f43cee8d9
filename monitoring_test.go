package mdt

import (
	"context"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCollector(t *testing.T) {
	db, mc := setup(t, usersDesc)
	c := NewCollector(db)

	reg := prometheus.NewPedanticRegistry()
	ensure(reg.Register(c))
	deepEqual(t, testutil.CollectAndCount(c), 5)

	must(db.PutAndWait(context.Background(), scenarioRequest()))
	mc.SetManual(true)
	db.Put(scenarioRequest(), func(*StoreRequest, *StoreResponse) {})

	values := make(map[string]float64)
	for _, mf := range must(reg.Gather()) {
		for _, m := range mf.GetMetric() {
			deepEqual(t, m.GetLabel()[0].GetValue(), "testdb")
			switch {
			case m.GetCounter() != nil:
				values[mf.GetName()] = m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				values[mf.GetName()] = m.GetGauge().GetValue()
			}
		}
	}
	deepEqual(t, values, map[string]float64{
		"mdt_tables":            1,
		"mdt_puts_total":        2,
		"mdt_puts_pending":      1,
		"mdt_puts_failed_total": 0,
		"mdt_mutations_total":   4,
	})
	mc.CompleteAll()
	deepEqual(t, db.Stats().PendingPuts, int64(0))
}

func TestDump(t *testing.T) {
	db, _ := setup(t, usersDesc)
	must(db.PutAndWait(context.Background(), scenarioRequest()))

	s := db.Dump(DumpAll)
	for _, want := range []string{
		"testdb.stats: tables = 1, puts = 1, pending = 0, failed = 0, mutations = 2",
		"testdb.T (bytes key, 1 indexes) => testdb#T",
		"testdb.T.i.by_name (bytes key) => testdb#by_name",
		"testdb.T.seg.1: 000000000001-",
	} {
		if !strings.Contains(s, want) {
			t.Errorf("** Dump() lacks %q:\n%s", want, s)
		}
	}
	if s := db.Dump(DumpIndices); strings.Contains(s, dumpSep1) || strings.Contains(s, "seg.") {
		t.Errorf("** Dump(DumpIndices) = %q", s)
	}
}
