package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTieBreakPrefers(t *testing.T) {
	t0 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	t1 := t0.Add(time.Second)

	tests := []struct {
		name     string
		tieBreak TieBreak
		candID   string
		candAt   time.Time
		curID    string
		curAt    time.Time
		want     bool
	}{
		{name: "earliest prefers older", tieBreak: TieBreakEarliest, candID: "b", candAt: t0, curID: "a", curAt: t1, want: true},
		{name: "earliest keeps older", tieBreak: TieBreakEarliest, candID: "a", candAt: t1, curID: "b", curAt: t0, want: false},
		{name: "latest prefers newer", tieBreak: TieBreakLatest, candID: "b", candAt: t1, curID: "a", curAt: t0, want: true},
		{name: "latest keeps newer", tieBreak: TieBreakLatest, candID: "a", candAt: t0, curID: "b", curAt: t1, want: false},
		{name: "equal time lower id wins", tieBreak: TieBreakEarliest, candID: "a", candAt: t0, curID: "b", curAt: t0, want: true},
		{name: "equal time higher id loses", tieBreak: TieBreakLatest, candID: "c", candAt: t0, curID: "b", curAt: t0, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, tt.tieBreak.Prefers(tt.candID, tt.candAt, tt.curID, tt.curAt))
		})
	}
}

func TestParseTieBreak(t *testing.T) {
	tb, err := ParseTieBreak("")
	require.NoError(t, err)
	require.Equal(t, TieBreakEarliest, tb)

	tb, err = ParseTieBreak("latest")
	require.NoError(t, err)
	require.Equal(t, TieBreakLatest, tb)

	_, err = ParseTieBreak("random")
	require.Error(t, err)
}
