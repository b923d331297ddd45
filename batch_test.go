package sqsjobs

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func messagesOfSizes(sizes ...int) []Message {
	out := make([]Message, len(sizes))
	for i, n := range sizes {
		out[i] = Message{ID: fmt.Sprintf("m%d", i), Body: strings.Repeat("x", n)}
	}
	return out
}

func TestPackBatches(t *testing.T) {
	tests := []struct {
		name       string
		sizes      []int
		maxEntries int
		maxBytes   int
		want       [][]int
	}{
		{
			name:       "empty input",
			sizes:      nil,
			maxEntries: 10,
			maxBytes:   100,
			want:       nil,
		},
		{
			name:       "everything fits one batch",
			sizes:      []int{5, 1, 3},
			maxEntries: 10,
			maxBytes:   100,
			want:       [][]int{{1, 3, 5}},
		},
		{
			name:       "entry limit",
			sizes:      []int{1, 1, 1, 1, 1},
			maxEntries: 2,
			maxBytes:   100,
			want:       [][]int{{1, 1}, {1, 1}, {1}},
		},
		{
			name:       "byte limit",
			sizes:      []int{6, 5, 4, 3},
			maxEntries: 10,
			maxBytes:   10,
			want:       [][]int{{3, 4}, {5}, {6}},
		},
		{
			name:       "message exactly at the byte limit",
			sizes:      []int{10, 1},
			maxEntries: 10,
			maxBytes:   10,
			want:       [][]int{{1}, {10}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			batches, err := PackBatches(messagesOfSizes(tt.sizes...), tt.maxEntries, tt.maxBytes)
			require.NoError(t, err)

			var got [][]int
			for _, b := range batches {
				var sizes []int
				for _, m := range b {
					sizes = append(sizes, len(m.Body))
				}
				got = append(got, sizes)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPackBatchesIsAPartition(t *testing.T) {
	sizes := make([]int, 0, 102)
	for i := 0; i < 102; i++ {
		sizes = append(sizes, (i*37)%50+1)
	}
	in := messagesOfSizes(sizes...)

	batches, err := PackBatches(in, 10, 120)
	require.NoError(t, err)

	seen := make(map[string]int)
	for _, b := range batches {
		assert.LessOrEqual(t, len(b), 10)
		total := 0
		for _, m := range b {
			total += len(m.Body)
			seen[m.ID]++
		}
		assert.LessOrEqual(t, total, 120)
	}
	assert.Len(t, seen, len(in))
	for id, n := range seen {
		assert.Equal(t, 1, n, "message %s packed more than once", id)
	}
}

func TestPackBatchesMessageTooLarge(t *testing.T) {
	_, err := PackBatches(messagesOfSizes(1, 11), 10, 10)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMessageTooLarge)
}

func TestPackBatchesCountsAttributes(t *testing.T) {
	in := messagesOfSizes(40, 40)
	in[1].Attributes = map[string]string{"trace": strings.Repeat("t", 30)}

	// the bodies alone would fit one batch of 100 bytes
	batches, err := PackBatches(in, 10, 100)
	require.NoError(t, err)
	require.Len(t, batches, 2)
	assert.Equal(t, "m0", batches[0][0].ID)
	assert.Equal(t, "m1", batches[1][0].ID)

	in[1].Attributes["trace"] = strings.Repeat("t", 60)
	_, err = PackBatches(in, 10, 100)
	assert.ErrorIs(t, err, ErrMessageTooLarge)
}

func TestPackBatchesDoesNotReorderInput(t *testing.T) {
	in := messagesOfSizes(3, 1, 2)
	_, err := PackBatches(in, 10, 100)
	require.NoError(t, err)
	assert.Equal(t, "m0", in[0].ID)
	assert.Equal(t, 3, len(in[0].Body))
}

func TestChunk(t *testing.T) {
	assert.Nil(t, chunk([]int{}, 3))
	assert.Equal(t, [][]int{{1, 2, 3}, {4, 5, 6}, {7}}, chunk([]int{1, 2, 3, 4, 5, 6, 7}, 3))
	assert.Equal(t, [][]int{{1, 2}}, chunk([]int{1, 2}, 10))
}
