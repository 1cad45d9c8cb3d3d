package domain

// OpKind is the operation that produced a change event.
type OpKind string

const (
	OpInsert  OpKind = "insert"
	OpUpdate  OpKind = "update"
	OpDelete  OpKind = "delete"
	OpReplace OpKind = "replace"
)

// AllOps is the operation set forwarded to stats and moving-stats sessions.
var AllOps = []OpKind{OpInsert, OpUpdate, OpDelete, OpReplace}

// PriceOps is the operation set forwarded to price sessions.
var PriceOps = []OpKind{OpInsert, OpReplace}

// Valid reports whether op is a known operation kind.
func (op OpKind) Valid() bool {
	switch op {
	case OpInsert, OpUpdate, OpDelete, OpReplace:
		return true
	}
	return false
}

// RawChange is one entry of a dataset's change feed. Record holds the
// post-change row; for deletes it holds the removed row.
type RawChange struct {
	Op      OpKind
	Dataset string
	Record  *RawRecord
}
