package storage

import "crypto-stats-stream/internal/domain"

// ChangeFilter restricts a subscription to one ticker, a minimum bucket
// timestamp and a set of operation kinds.
type ChangeFilter struct {
	Ticker       string
	MinTimestamp int64 // 0 disables the bound
	Ops          []domain.OpKind
}

// Match reports whether c passes the filter.
func (f ChangeFilter) Match(c domain.RawChange) bool {
	if c.Record == nil {
		return false
	}
	if f.Ticker != "" && c.Record.Ticker != f.Ticker {
		return false
	}
	if f.MinTimestamp > 0 && c.Record.Timestamp < f.MinTimestamp {
		return false
	}
	return f.AllowsOp(c.Op)
}

// AllowsOp reports whether op is in the filter's operation set. An empty set allows all.
func (f ChangeFilter) AllowsOp(op domain.OpKind) bool {
	if len(f.Ops) == 0 {
		return true
	}
	for _, o := range f.Ops {
		if o == op {
			return true
		}
	}
	return false
}

// OpStrings returns the operation set as plain strings, for SQL parameters.
func (f ChangeFilter) OpStrings() []string {
	ops := f.Ops
	if len(ops) == 0 {
		ops = domain.AllOps
	}
	out := make([]string, len(ops))
	for i, o := range ops {
		out[i] = string(o)
	}
	return out
}
