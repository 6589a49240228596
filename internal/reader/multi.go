package reader

import "context"

// MultiReader composes several Readers into a single ordered stream,
// summing their progress counters and propagating SetLimit to each member
// so a query spanning several schemas (e.g. the GraphQL façade's per-request
// fan-out) looks like one Reader to its caller.
type MultiReader struct {
	readers []*Reader
	idx     int
	limit   int
	count   int
}

// NewMulti composes readers, in order, into a single Reader-shaped stream.
func NewMulti(readers ...*Reader) *MultiReader {
	return &MultiReader{readers: readers}
}

// Next returns the next visible record across all member readers, in order,
// or ok=false once every member is exhausted or the composite limit has
// been reached.
func (m *MultiReader) Next(ctx context.Context) (Record, bool, error) {
	for m.idx < len(m.readers) {
		if m.limit > 0 && m.count >= m.limit {
			return nil, false, nil
		}

		rec, ok, err := m.readers[m.idx].Next(ctx)
		if err != nil {
			return nil, false, err
		}
		if !ok {
			m.idx++
			continue
		}
		m.count++
		return rec, true, nil
	}
	return nil, false, nil
}

// AtEnd reports whether every member reader is exhausted or the composite
// limit has been reached.
func (m *MultiReader) AtEnd() bool {
	if m.limit > 0 && m.count >= m.limit {
		return true
	}
	for _, r := range m.readers {
		if !r.AtEnd() {
			return false
		}
	}
	return true
}

// SetLimit caps the number of records Next will yield across all member
// readers combined, and propagates an equal per-member limit so no single
// member over-reads before the composite gives up.
func (m *MultiReader) SetLimit(limit int) {
	m.limit = limit
	for _, r := range m.readers {
		r.SetLimit(limit)
	}
}

// BytesTotal sums the byte span of every member reader.
func (m *MultiReader) BytesTotal() int64 {
	var total int64
	for _, r := range m.readers {
		total += r.BytesTotal()
	}
	return total
}

// BytesRead sums the bytes consumed so far across every member reader.
func (m *MultiReader) BytesRead() int64 {
	var total int64
	for _, r := range m.readers {
		total += r.BytesRead()
	}
	return total
}

// Count sums the records yielded so far across every member reader.
func (m *MultiReader) Count() int {
	var total int
	for _, r := range m.readers {
		total += r.Count()
	}
	return total
}

// RestrictedCount sums the records suppressed by restriction filters across
// every member reader.
func (m *MultiReader) RestrictedCount() int {
	var total int
	for _, r := range m.readers {
		total += r.RestrictedCount()
	}
	return total
}
