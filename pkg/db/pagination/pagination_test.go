package pagination

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCursorRoundTrip(t *testing.T) {
	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	enc, err := EncodeCursor(Cursor{CreatedAt: at, ID: "42"})
	require.NoError(t, err)
	require.NotContains(t, enc, "+")
	require.NotContains(t, enc, "/")

	dec, err := DecodeCursor(enc)
	require.NoError(t, err)
	require.Equal(t, "42", dec.ID)
	require.True(t, at.Equal(dec.CreatedAt))

	dec, err = DecodeCursor("")
	require.NoError(t, err)
	require.Nil(t, dec)

	_, err = DecodeCursor("not base64!")
	require.Error(t, err)
}

func TestBuildCursorPageInfo(t *testing.T) {
	rows := []int{1, 2, 3}
	extract := func(i int) Cursor { return Cursor{ID: string(rune('0' + i))} }

	page, info, err := BuildCursorPageInfo(rows, 2, extract)
	require.NoError(t, err)
	require.Equal(t, []int{1, 2}, page)
	require.True(t, info.HasMore)

	next, err := DecodeCursor(info.NextCursor)
	require.NoError(t, err)
	require.Equal(t, "2", next.ID)

	page, info, err = BuildCursorPageInfo(rows, 3, extract)
	require.NoError(t, err)
	require.Len(t, page, 3)
	require.False(t, info.HasMore)
	require.Empty(t, info.NextCursor)
}

func TestSize(t *testing.T) {
	require.Equal(t, DefaultLimit, Pagination{}.Size())
	require.Equal(t, MaxLimit, Pagination{Limit: 1000}.Size())
	require.Equal(t, 5, Pagination{Limit: 5}.Size())
}
