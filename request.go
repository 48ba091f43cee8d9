package mdt

import (
	"github.com/andreyvit/mdt/valuelog"
)

// StoreRequest is one document write. Timestamp is appended to every row key
// the write produces, so each (key, timestamp) pair is a separate version;
// writing the same pair again overwrites that version.
type StoreRequest struct {
	TableName  string
	PrimaryKey []byte
	Timestamp  []byte
	Data       []byte
	Indexes    []IndexKey
}

type IndexKey struct {
	IndexName string
	IndexKey  []byte
}

// StoreResponse reports the outcome of a Put once every mutation it issued has
// completed.
type StoreResponse struct {
	// Location of the payload in the table's value log. Zero if the payload was
	// never logged.
	Location valuelog.Location

	// RowKey is the primary table row key.
	RowKey []byte

	// Mutations is the number of mutations dispatched, Failed the number that
	// reported an error.
	Mutations int
	Failed    int

	// Err is nil on full success, otherwise the first error observed.
	Err error
}

func (resp *StoreResponse) OK() bool {
	return resp.Err == nil
}

// StoreCallback receives the outcome of a Put. It is called exactly once per
// Put, possibly on a goroutine owned by the table service.
type StoreCallback func(req *StoreRequest, resp *StoreResponse)

type CreateRequest struct {
	// DBName, if set, must match the database the request is sent to.
	DBName string
	Tables []TableDescription
}
