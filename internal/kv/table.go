package kv

// Table is a named collection of KVs published under a single scope
// (e.g. "battery", "inverter"). Drivers hold one or more tables for
// their KVs, pack temperatures, and per-cell voltages (§3, Driver
// handle).
type Table struct {
	Scope string
	kvs   []*KV
}

// NewTable returns an empty table for the given scope.
func NewTable(scope string) *Table {
	return &Table{Scope: scope}
}

// Add registers a KV with the table and returns it, for fluent
// construction at driver-attach time.
func (t *Table) Add(k *KV) *KV {
	t.kvs = append(t.kvs, k)
	return k
}

// At returns the KV at index i, or nil if i is out of range. Drivers
// that lay out a table positionally (pack-temperature slots, per-cell
// voltages) use this to go from a frame-derived index back to its KV.
func (t *Table) At(i int) *KV {
	if i < 0 || i >= len(t.kvs) {
		return nil
	}
	return t.kvs[i]
}

// Sweep publishes every KV in the table whose value is not the "never
// set" sentinel, unconditionally (the periodic teleperiod trigger, §4.B).
func (t *Table) Sweep(sink Sink) error {
	var firstErr error
	for _, k := range t.kvs {
		if err := k.Publish(sink, t.Scope); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
