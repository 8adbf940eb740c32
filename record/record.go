// Package record maps declared record types onto tables of a kv store.
//
// A type embeds Model, overrides the record and table name accessors, and is
// handed to Define, which registers it and returns the typed query and
// persistence surface. Secondary indexes declared by migrations become
// available through the generic index accessors without per-type
// boilerplate.
package record

// Placeholder names carried by the embeddable Model. Registration rejects
// any type which has not overridden them.
const (
	baseRecordName = "record"
	baseTableName  = "records"
)

// Record is the capability set required of any registered type: a unique
// record name, a unique table name, primary-key access, and the empty-check
// distinguishing "not found" from a persisted row.
type Record interface {
	RecordName() string
	TableName() string
	PK() int64
	SetPK(int64)
	Empty() bool
}

// Model is the embeddable base of every record type. It supplies the
// primary key field and the loaded flag backing Empty.
//
// The identifier sign convention is load-bearing: id > 0 means persisted
// remotely, id < 0 persisted only locally, id == 0 not yet assigned.
type Model struct {
	ID int64 `json:"id"`

	loaded bool
}

// RecordName returns the placeholder name; registered types must override it.
func (m *Model) RecordName() string { return baseRecordName }

// TableName returns the placeholder table; registered types must override it.
func (m *Model) TableName() string { return baseTableName }

// PK returns the primary key of the record.
func (m *Model) PK() int64 { return m.ID }

// SetPK assigns the primary key of the record.
func (m *Model) SetPK(id int64) { m.ID = id }

// Empty reports whether the record is the "not found" sentinel: an instance
// which was never decoded from, nor persisted to, a store.
func (m *Model) Empty() bool { return !m.loaded }

func (m *Model) markLoaded() { m.loaded = true }

// markLoaded flips the empty sentinel off after a decode or a successful
// persist. The unexported method is reachable through promotion from the
// embedded Model.
func markLoaded(r Record) {
	if m, ok := r.(interface{ markLoaded() }); ok {
		m.markLoaded()
	}
}
