package kv

import (
	"encoding/json"
	"fmt"
)

// SchemaBucket is the bucket holding one schema document per table.
var SchemaBucket = []byte("schemav1")

// TableSchema is the persisted description of a single table: the name of
// its primary key field, whether keys are auto-assigned, and the set of
// secondary indexes migrations have established for it.
type TableSchema struct {
	Key           string   `json:"key"`
	AutoIncrement bool     `json:"autoincrement"`
	Indexes       []string `json:"indexes"`
}

// HasIndex returns true when the named index is part of the table schema.
func (s TableSchema) HasIndex(index string) bool {
	for _, idx := range s.Indexes {
		if idx == index {
			return true
		}
	}
	return false
}

// TableBucket returns the name of the data bucket for a table.
func TableBucket(table string) []byte {
	return []byte(table)
}

// IndexBucket returns the name of the index bucket for the provided table
// and index in the form <table>by<index>v1.
// For example: table = users, index = email -> usersbyemailv1 bucket.
func IndexBucket(table, index string) []byte {
	return []byte(fmt.Sprintf("%sby%sv1", table, index))
}

// GetTableSchema reads the schema document for the provided table within
// the transaction. It returns ErrKeyNotFound when no migration has created
// the table.
func GetTableSchema(tx Tx, table string) (TableSchema, error) {
	var schema TableSchema

	bkt, err := tx.Bucket(SchemaBucket)
	if err != nil {
		return schema, err
	}

	v, err := bkt.Get([]byte(table))
	if err != nil {
		return schema, err
	}

	if err := json.Unmarshal(v, &schema); err != nil {
		return schema, fmt.Errorf("decoding schema for table %q: %w", table, err)
	}

	return schema, nil
}

// PutTableSchema writes the schema document for the provided table within
// the transaction.
func PutTableSchema(tx Tx, table string, schema TableSchema) error {
	bkt, err := tx.Bucket(SchemaBucket)
	if err != nil {
		return err
	}

	data, err := json.Marshal(schema)
	if err != nil {
		return fmt.Errorf("encoding schema for table %q: %w", table, err)
	}

	return bkt.Put([]byte(table), data)
}
