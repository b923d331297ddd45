package sqsjobs

import (
	"fmt"
	"slices"
)

// PackBatches partitions messages into batches of at most maxEntries messages whose
// sizes add up to at most maxBytes. Messages are sorted ascending by size, so a
// message that does not fit the current batch guarantees no later one does either and
// a single pass is enough.
func PackBatches(messages []Message, maxEntries, maxBytes int) ([][]Message, error) {
	if len(messages) == 0 {
		return nil, nil
	}

	sorted := slices.Clone(messages)
	slices.SortStableFunc(sorted, func(a, b Message) int {
		return a.Size() - b.Size()
	})

	var (
		batches [][]Message
		current []Message
		size    int
	)
	for _, m := range sorted {
		n := m.Size()
		if n > maxBytes {
			return nil, fmt.Errorf("%w: %d bytes, limit is %d", ErrMessageTooLarge, n, maxBytes)
		}
		if len(current) == maxEntries || size+n > maxBytes {
			batches = append(batches, current)
			current, size = nil, 0
		}
		current = append(current, m)
		size += n
	}
	return append(batches, current), nil
}

// chunk splits items into runs of at most size elements
func chunk[T any](items []T, size int) [][]T {
	var out [][]T
	for size < len(items) {
		items, out = items[size:], append(out, items[:size:size])
	}
	if len(items) > 0 {
		out = append(out, items)
	}
	return out
}
