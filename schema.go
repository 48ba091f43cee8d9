package mdt

import (
	"encoding/binary"
	"fmt"
	"unicode/utf8"

	"github.com/andreyvit/mdt/tablestore"
)

// KeyType describes the raw bytes a primary or index key may hold.
type KeyType uint8

const (
	KeyBytes KeyType = iota + 1
	KeyString
	KeyUint64
	KeyInt64
)

func (kt KeyType) String() string {
	switch kt {
	case KeyBytes:
		return "bytes"
	case KeyString:
		return "string"
	case KeyUint64:
		return "uint64"
	case KeyInt64:
		return "int64"
	default:
		return fmt.Sprintf("KeyType(%d)", uint8(kt))
	}
}

func (kt KeyType) valid() bool {
	return kt >= KeyBytes && kt <= KeyInt64
}

// validateKey checks that key is a well-formed key of this type. Integer keys
// are 8 bytes big-endian, so that their byte order matches numeric order for
// KeyUint64. Empty keys are never allowed.
func (kt KeyType) validateKey(key []byte) error {
	if len(key) == 0 {
		return fmt.Errorf("empty %v key", kt)
	}
	switch kt {
	case KeyBytes:
		return nil
	case KeyString:
		if !utf8.Valid(key) {
			return fmt.Errorf("string key is not valid UTF-8")
		}
		return nil
	case KeyUint64, KeyInt64:
		if len(key) != 8 {
			return fmt.Errorf("%v key must be 8 bytes, got %d", kt, len(key))
		}
		return nil
	default:
		return fmt.Errorf("unknown key type %v", kt)
	}
}

// Uint64Key encodes v as a KeyUint64 key.
func Uint64Key(v uint64) []byte {
	return binary.BigEndian.AppendUint64(nil, v)
}

// Int64Key encodes v as a KeyInt64 key.
func Int64Key(v int64) []byte {
	return binary.BigEndian.AppendUint64(nil, uint64(v))
}

// TableDescription is what the user asks for when creating a table. It is
// immutable once the table exists.
type TableDescription struct {
	TableName      string
	PrimaryKeyType KeyType
	Indexes        []IndexDescription
}

type IndexDescription struct {
	IndexName    string
	IndexKeyType KeyType
}

func (td *TableDescription) index(name string) (IndexDescription, bool) {
	for _, idx := range td.Indexes {
		if idx.IndexName == name {
			return idx, true
		}
	}
	return IndexDescription{}, false
}

// Equal compares two descriptions, treating nil and empty index lists alike.
func (td TableDescription) Equal(another TableDescription) bool {
	if td.TableName != another.TableName || td.PrimaryKeyType != another.PrimaryKeyType {
		return false
	}
	if len(td.Indexes) != len(another.Indexes) {
		return false
	}
	for i, idx := range td.Indexes {
		if idx != another.Indexes[i] {
			return false
		}
	}
	return true
}

func (td *TableDescription) validate() error {
	if td.TableName == "" {
		return tableErrf(SchemaMismatch, "", nil, "empty table name")
	}
	if td.TableName == schemaTableName {
		return tableErrf(SchemaMismatch, td.TableName, nil, "table name is reserved")
	}
	if !td.PrimaryKeyType.valid() {
		return tableErrf(SchemaMismatch, td.TableName, nil, "invalid primary key type %v", td.PrimaryKeyType)
	}
	seen := make(map[string]bool, len(td.Indexes))
	for _, idx := range td.Indexes {
		if idx.IndexName == "" {
			return tableErrf(SchemaMismatch, td.TableName, nil, "empty index name")
		}
		if seen[idx.IndexName] {
			return newError(SchemaMismatch, td.TableName, idx.IndexName, nil, nil, "duplicate index")
		}
		seen[idx.IndexName] = true
		if idx.IndexName == td.TableName || idx.IndexName == schemaTableName {
			return newError(SchemaMismatch, td.TableName, idx.IndexName, nil, nil, "index name clashes with a table name")
		}
		if !idx.IndexKeyType.valid() {
			return newError(SchemaMismatch, td.TableName, idx.IndexName, nil, nil, "invalid index key type %v", idx.IndexKeyType)
		}
	}
	return nil
}

const tableSchemaVersion = 1

// TableSchema is the persisted form of a TableDescription, stored as one row
// of the database's schema table.
type TableSchema struct {
	Version        uint64        `msgpack:"v"`
	TableName      string        `msgpack:"n"`
	PrimaryKeyType KeyType       `msgpack:"pk"`
	Indexes        []IndexSchema `msgpack:"i,omitempty"`
}

type IndexSchema struct {
	IndexName    string  `msgpack:"n"`
	IndexKeyType KeyType `msgpack:"k"`
}

// AssembleTableSchema maps td to its persisted form, one index entry per
// index description, in order.
func AssembleTableSchema(td TableDescription) *TableSchema {
	s := &TableSchema{
		Version:        tableSchemaVersion,
		TableName:      td.TableName,
		PrimaryKeyType: td.PrimaryKeyType,
	}
	if td.Indexes != nil {
		s.Indexes = make([]IndexSchema, len(td.Indexes))
		for i, idx := range td.Indexes {
			s.Indexes[i] = IndexSchema{IndexName: idx.IndexName, IndexKeyType: idx.IndexKeyType}
		}
	}
	return s
}

// DisassembleTableSchema is the inverse of AssembleTableSchema.
func DisassembleTableSchema(s *TableSchema) TableDescription {
	td := TableDescription{
		TableName:      s.TableName,
		PrimaryKeyType: s.PrimaryKeyType,
	}
	if s.Indexes != nil {
		td.Indexes = make([]IndexDescription, len(s.Indexes))
		for i, idx := range s.Indexes {
			td.Indexes[i] = IndexDescription{IndexName: idx.IndexName, IndexKeyType: idx.IndexKeyType}
		}
	}
	return td
}

func (s *TableSchema) encode(buf []byte) ([]byte, error) {
	return encodeMsgpack(buf, s)
}

func decodeTableSchema(raw []byte) (*TableSchema, error) {
	s := new(TableSchema)
	if err := decodeMsgpack(raw, s); err != nil {
		return nil, err
	}
	if s.Version != tableSchemaVersion {
		return nil, dataErrf(raw, 0, nil, "unsupported table schema version %d", s.Version)
	}
	return s, nil
}

// persistTableSchema writes s as the row keyed by its table name, replacing
// whatever was stored there before.
func persistTableSchema(schemaTable tablestore.Table, s *TableSchema) error {
	raw, err := s.encode(nil)
	if err != nil {
		return err
	}
	m := schemaTable.NewMutation([]byte(s.TableName))
	m.Set(schemaFamily, raw)
	return tablestore.Apply(schemaTable, m)
}
