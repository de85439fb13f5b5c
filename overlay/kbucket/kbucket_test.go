package kbucket

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func idWithByte(b byte) ID {
	var id ID
	id[len(id)-1] = b
	return id
}

func TestUpsertAndNearest(t *testing.T) {
	self := idWithByte(0x00)
	table := New(self)

	for i := 1; i <= 5; i++ {
		ok := table.Upsert(Contact{ID: idWithByte(byte(i)), Address: "addr", LastSeen: time.Now()})
		require.True(t, ok)
	}
	require.Equal(t, 5, table.Len())

	nearest := table.Nearest(idWithByte(0x01), 3)
	require.NotEmpty(t, nearest)
	require.Equal(t, idWithByte(0x01), nearest[0].ID)
}

func TestUpsertSelfIsNoop(t *testing.T) {
	self := idWithByte(0x00)
	table := New(self)
	require.True(t, table.Upsert(Contact{ID: self}))
	require.Equal(t, 0, table.Len())
}

func TestBucketFullRejectsNewContact(t *testing.T) {
	self := idWithByte(0x00)
	table := New(self)

	// Every byte value in [0x80, 0xFF] has its highest set bit at
	// position 7, so all of these land in the same bucket.
	accepted := 0
	for v := 0x80; v <= 0xFF; v++ {
		if table.Upsert(Contact{ID: idWithByte(byte(v))}) {
			accepted++
		}
	}
	require.Equal(t, BucketSize, accepted)
	require.Equal(t, BucketSize, table.Len())
}

func TestRemove(t *testing.T) {
	self := idWithByte(0x00)
	table := New(self)
	target := idWithByte(0x07)
	table.Upsert(Contact{ID: target})
	require.Equal(t, 1, table.Len())
	table.Remove(target)
	require.Equal(t, 0, table.Len())
}
