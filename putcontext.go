package mdt

import (
	"log/slog"
	"sync/atomic"
	"time"
)

// putContext coordinates one in-flight Put. pending starts at the number of
// mutations and is decremented once per completion; the completion that takes
// it to zero owns the context from then on and is the only one to finish it.
type putContext struct {
	tbl   *Table
	req   *StoreRequest
	resp  *StoreResponse
	cb    StoreCallback
	start time.Time

	pending  atomic.Int32
	failed   atomic.Int32
	firstErr atomic.Pointer[Error]
}

func newPutContext(tbl *Table, req *StoreRequest, resp *StoreResponse, cb StoreCallback, n int) *putContext {
	pc := &putContext{
		tbl:   tbl,
		req:   req,
		resp:  resp,
		cb:    cb,
		start: time.Now(),
	}
	pc.pending.Store(int32(n))
	return pc
}

// putToken is the completion handle of one mutation issued by a Put.
// Slot 0 is the primary row, slot i+1 is req.Indexes[i].
type putToken struct {
	pc     *putContext
	slot   int
	remote string
	index  string
	key    []byte
	fired  atomic.Bool
}

func (pc *putContext) token(slot int, remote, index string, key []byte) *putToken {
	return &putToken{pc: pc, slot: slot, remote: remote, index: index, key: key}
}

// complete is the tablestore completion callback of the token's mutation.
func (tok *putToken) complete(err error) {
	if !tok.fired.CompareAndSwap(false, true) {
		panic("mdt: put completion fired twice")
	}
	pc := tok.pc
	tok.pc = nil
	if err != nil {
		pc.failed.Add(1)
		e := newError(MutationApplyFailure, pc.req.TableName, tok.index, tok.key, err, "%s", tok.remote)
		pc.firstErr.CompareAndSwap(nil, e)
	}
	if pc.pending.Add(-1) == 0 {
		pc.finish()
	}
}

func (pc *putContext) finish() {
	tbl, req, resp, cb := pc.tbl, pc.req, pc.resp, pc.cb
	pc.tbl, pc.req, pc.resp, pc.cb = nil, nil, nil, nil

	resp.Failed = int(pc.failed.Load())
	if e := pc.firstErr.Load(); e != nil {
		resp.Err = e
	}
	tbl.db.putDone(resp)
	if tbl.db.verbose {
		tbl.db.logger.LogAttrs(tbl.db.ctx, slog.LevelDebug, "mdt: put done",
			slog.String("table", req.TableName),
			hexAttr("key", req.PrimaryKey),
			slog.String("loc", resp.Location.String()),
			slog.Int("mutations", resp.Mutations),
			slog.Int("failed", resp.Failed),
			slog.Duration("elapsed", time.Since(pc.start)))
	}
	if resp.Err != nil {
		tbl.db.logger.LogAttrs(tbl.db.ctx, slog.LevelWarn, "mdt: put failed",
			slog.String("table", req.TableName),
			hexAttr("key", req.PrimaryKey),
			slog.Int("failed", resp.Failed),
			slog.Any("err", resp.Err))
	}
	cb(req, resp)
}
