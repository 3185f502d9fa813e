package sink

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestItemSetAndGet(t *testing.T) {
	t.Parallel()

	item := NewItem().Set("url", "https://example.com")

	v, ok := item.Get("url")
	require.True(t, ok)
	assert.Equal(t, "https://example.com", v)

	_, ok = item.Get("missing")
	assert.False(t, ok)
}

func TestItemTagUnknownFieldIsNoOp(t *testing.T) {
	t.Parallel()

	item := NewItem().Set("url", "a").Tag("missing", "big_field")
	for _, f := range item.Fields() {
		assert.Empty(t, f.Meta)
	}
}

func TestItemLen(t *testing.T) {
	t.Parallel()

	item := NewItem().Set("a", 1).Set("b", 2).Set("a", 3)
	assert.Equal(t, 2, item.Len())
}
