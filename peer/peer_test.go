package peer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestReputationBansBelowThreshold(t *testing.T) {
	table := NewTable(Config{BanThreshold: -10, BanDuration: time.Hour})
	var id ID
	id[0] = 1
	table.Upsert(Identity{ID: id})

	table.RecordFailure(id, 5)
	require.Equal(t, -5, table.Score(id))
	require.False(t, table.IsBanned(id))

	table.RecordFailure(id, 6)
	require.True(t, table.IsBanned(id))
	require.Equal(t, StatusBanned, table.StatusOf(id))
}

func TestBannedScoreIsFrozenUntilExpiry(t *testing.T) {
	table := NewTable(Config{BanThreshold: -10, BanDuration: time.Hour})
	var id ID
	id[0] = 2
	table.Upsert(Identity{ID: id})
	table.RecordFailure(id, 20)
	require.True(t, table.IsBanned(id))

	table.RecordSuccess(id, 100)
	require.True(t, table.IsBanned(id), "score changes are ignored while banned")
}

func TestBanExpiresAndResetsScore(t *testing.T) {
	table := NewTable(Config{BanThreshold: -10, BanDuration: time.Millisecond})
	var id ID
	id[0] = 3
	table.Upsert(Identity{ID: id})
	table.RecordFailure(id, 20)
	require.True(t, table.IsBanned(id))

	time.Sleep(5 * time.Millisecond)
	require.False(t, table.IsBanned(id), "ban should lapse after BanDuration")
	require.Equal(t, 0, table.Score(id), "re-admission resets score to 0")
}

func TestSessionArenaBindingSurvivesLookupByID(t *testing.T) {
	table := NewTable(Config{})
	var id ID
	id[0] = 4
	table.Upsert(Identity{ID: id})

	table.BindSession(id, SessionID(42))
	sid, ok := table.SessionOf(id)
	require.True(t, ok)
	require.Equal(t, SessionID(42), sid)

	table.UnbindSession(id)
	_, ok = table.SessionOf(id)
	require.False(t, ok)
}

func TestActiveExcludesBannedPeers(t *testing.T) {
	table := NewTable(Config{BanThreshold: -10, BanDuration: time.Hour})
	var a, b ID
	a[0], b[0] = 1, 2
	table.Upsert(Identity{ID: a})
	table.Upsert(Identity{ID: b})
	table.RecordFailure(b, 20)

	active := table.Active()
	require.Contains(t, active, a)
	require.NotContains(t, active, b)
}

func TestResolveReturnsUpsertedSigningKey(t *testing.T) {
	table := NewTable(Config{})
	var id ID
	id[0] = 5
	table.Upsert(Identity{ID: id})

	_, ok := table.Resolve(ID{99})
	require.False(t, ok, "unknown fingerprint resolves to nothing")

	pk, ok := table.Resolve(id)
	require.True(t, ok)
	require.Equal(t, Identity{ID: id}.SignPub, pk)
}
