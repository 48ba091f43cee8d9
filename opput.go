package mdt

import (
	"log/slog"

	"github.com/andreyvit/mdt/tablestore"
)

// Put logs req.Data to the table's value log and writes the primary row and
// one row per index key. cb is called exactly once: after every dispatched
// mutation has completed, or right away (on the calling goroutine) if the
// request is rejected or the payload cannot be logged, in which case no
// mutation is dispatched.
func (tbl *Table) Put(req *StoreRequest, cb StoreCallback) {
	db := tbl.db
	resp := &StoreResponse{}
	db.putStarted()

	if err := tbl.validate(req); err != nil {
		tbl.reject(req, resp, cb, err)
		return
	}

	loc, err := tbl.log.Append(req.Data)
	if err != nil {
		tbl.reject(req, resp, cb, tableErrf(IOFailure, tbl.desc.TableName, err, "appending %d bytes to %v", len(req.Data), tbl.log))
		return
	}
	resp.Location = loc
	resp.RowKey = RowKey(req.PrimaryKey, req.Timestamp)

	n := 1 + len(req.Indexes)
	resp.Mutations = n
	pc := newPutContext(tbl, req, resp, cb, n)

	// Build every mutation before dispatching any: once the first ApplyAsync
	// is issued, resp may be handed to cb at any moment.
	scratch := acquireKeyBytes()
	primary := tbl.primary.NewMutation(resp.RowKey)
	*scratch = loc.Encode((*scratch)[:0])
	primary.Set(locationFamily, *scratch)
	primaryTok := pc.token(0, tbl.primary.Name(), "", req.PrimaryKey)

	indexMuts := make([]*indexMutation, len(req.Indexes))
	for i, ik := range req.Indexes {
		ti := tbl.indexes[ik.IndexName]
		*scratch = appendRowKey((*scratch)[:0], ik.IndexKey, req.Timestamp)
		m := ti.remote.NewMutation(*scratch)
		m.Set(primaryKeyFamily, resp.RowKey)
		indexMuts[i] = &indexMutation{ti, m, pc.token(i+1, ti.remote.Name(), ik.IndexName, ik.IndexKey)}
	}
	releaseKeyBytes(scratch)

	if db.verbose {
		db.logger.LogAttrs(db.ctx, slog.LevelDebug, "mdt: put",
			slog.String("table", req.TableName),
			hexAttr("key", req.PrimaryKey),
			hexAttr("ts", req.Timestamp),
			slog.String("loc", loc.String()),
			slog.Int("mutations", n))
	}

	db.MutationCount.Add(uint64(n))
	tbl.primary.ApplyAsync(primary, primaryTok.complete)
	for _, im := range indexMuts {
		im.ti.remote.ApplyAsync(im.m, im.tok.complete)
	}
}

type indexMutation struct {
	ti  *tableIndex
	m   *tablestore.Mutation
	tok *putToken
}

// validate rejects requests that don't conform to the table's schema.
func (tbl *Table) validate(req *StoreRequest) error {
	name := tbl.desc.TableName
	if req.TableName != name {
		return tableErrf(SchemaMismatch, name, nil, "request is for table %q", req.TableName)
	}
	if err := tbl.desc.PrimaryKeyType.validateKey(req.PrimaryKey); err != nil {
		return newError(SchemaMismatch, name, "", req.PrimaryKey, err, "primary key")
	}
	for _, ik := range req.Indexes {
		ti := tbl.indexes[ik.IndexName]
		if ti == nil {
			return newError(SchemaMismatch, name, ik.IndexName, ik.IndexKey, nil, "no such index")
		}
		if err := ti.desc.IndexKeyType.validateKey(ik.IndexKey); err != nil {
			return newError(SchemaMismatch, name, ik.IndexName, ik.IndexKey, err, "index key")
		}
	}
	return nil
}

func (tbl *Table) reject(req *StoreRequest, resp *StoreResponse, cb StoreCallback, err error) {
	db := tbl.db
	resp.Err = err
	db.putDone(resp)
	db.logger.LogAttrs(db.ctx, slog.LevelWarn, "mdt: put rejected",
		slog.String("table", tbl.desc.TableName),
		hexAttr("key", req.PrimaryKey),
		slog.Any("err", err))
	cb(req, resp)
}
