package chat

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry() (*identityRegistry, *fakeClock) {
	clock := newFakeClock()
	return newIdentityRegistry(DefaultReservationTTL, clock.Now, sequentialIDs("anon")), clock
}

func TestReserveIsExclusive(t *testing.T) {
	ir, _ := newTestRegistry()

	assert.True(t, ir.Reserve("Alice", "s1"))
	assert.False(t, ir.Reserve("ALICE", "s2"))
	assert.True(t, ir.Reserve("alice", "s1"), "the owner may reserve again")

	avail := ir.CheckAvailability("Alice", "s2")
	assert.False(t, avail.Available)
}

func TestReserveReplacesPreviousLease(t *testing.T) {
	ir, _ := newTestRegistry()

	require.True(t, ir.Reserve("Alice", "s1"))
	require.True(t, ir.Reserve("Alicia", "s1"))

	assert.True(t, ir.Reserve("Alice", "s2"))
	name, ok := ir.heldLease("s1")
	assert.True(t, ok)
	assert.Equal(t, "Alicia", name)
}

func TestCheckAvailabilityDropsExpiredLease(t *testing.T) {
	ir, clock := newTestRegistry()
	require.True(t, ir.Reserve("Alice", "s1"))

	clock.Advance(DefaultReservationTTL)
	assert.True(t, ir.CheckAvailability("Alice", "s2").Available)
	assert.Empty(t, ir.leases)

	_, ok := ir.heldLease("s1")
	assert.False(t, ok)
}

func TestConfirm(t *testing.T) {
	t.Run("named", func(t *testing.T) {
		ir, clock := newTestRegistry()
		require.True(t, ir.Reserve(" Alice ", "s1"))

		tx := newTxn()
		s, err := ir.Confirm(tx, "s1", " Alice ", false)
		require.NoError(t, err)
		assert.Equal(t, "Alice", s.DisplayName)
		assert.False(t, s.IsAnon)
		assert.Equal(t, clock.Now(), s.CreatedAt)
		assert.Empty(t, ir.leases, "confirm consumes the lease")
		assert.Equal(t, 1, tx.batch.Len())
	})

	t.Run("anonymous", func(t *testing.T) {
		ir, _ := newTestRegistry()
		tx := newTxn()
		s, err := ir.Confirm(tx, "s1", "whatever", true)
		require.NoError(t, err)
		assert.Equal(t, AnonLabel, s.DisplayName)
		assert.True(t, s.IsAnon)
		assert.Equal(t, "anon-1", s.InternalID)

		again, err := ir.Confirm(newTxn(), "s1", "Bob", false)
		require.NoError(t, err)
		assert.Equal(t, s, again, "an anonymous session keeps its identity")
	})

	t.Run("impersonation", func(t *testing.T) {
		ir, _ := newTestRegistry()
		_, err := ir.Confirm(newTxn(), "s1", "Anon0042", false)
		assert.ErrorIs(t, err, ErrAnonImpersonation)
	})

	t.Run("rollback restores the lease", func(t *testing.T) {
		ir, _ := newTestRegistry()
		require.True(t, ir.Reserve("Alice", "s1"))
		tx := newTxn()
		_, err := ir.Confirm(tx, "s1", "Alice", false)
		require.NoError(t, err)

		tx.rollback()
		_, ok := ir.session("s1")
		assert.False(t, ok)
		name, held := ir.heldLease("s1")
		assert.True(t, held)
		assert.Equal(t, "Alice", name)
	})

	t.Run("rename keeps creation time", func(t *testing.T) {
		ir, clock := newTestRegistry()
		first, err := ir.Confirm(newTxn(), "s1", "Alice", false)
		require.NoError(t, err)
		clock.Advance(time.Hour)

		renamed, err := ir.Rename(newTxn(), "s1", "Alicia")
		require.NoError(t, err)
		assert.Equal(t, first.CreatedAt, renamed.CreatedAt)
		assert.Equal(t, "Alicia", renamed.DisplayName)
	})
}

func TestRenameRules(t *testing.T) {
	ir, _ := newTestRegistry()
	_, err := ir.Confirm(newTxn(), "s1", "Alice", false)
	require.NoError(t, err)
	_, err = ir.Confirm(newTxn(), "s2", "Anon", true)
	require.NoError(t, err)
	require.True(t, ir.Reserve("Bob", "s3"))

	_, err = ir.Rename(newTxn(), "s1", "bob")
	assert.ErrorIs(t, err, ErrNameUnavailable, "leased by another session")

	_, err = ir.Rename(newTxn(), "s2", "Carol")
	assert.ErrorIs(t, err, ErrNameUnavailable, "anonymous sessions cannot rename")

	_, err = ir.Rename(newTxn(), "missing", "Carol")
	assert.ErrorIs(t, err, ErrNameUnavailable)

	s, _ := ir.session("s1")
	assert.Equal(t, "Alice", s.DisplayName)
}

func TestContentLengthCountsUTF16(t *testing.T) {
	assert.Equal(t, 5, contentLength("hello"))
	assert.Equal(t, 2, contentLength("😀"))
	assert.Equal(t, 1, contentLength("é"))
	assert.Equal(t, 0, contentLength(""))
}
