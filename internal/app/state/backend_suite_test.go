package state

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pairup/internal/app/participant"
)

// runBackendSuite checks the behavior every Backend must share. newBackend returns an empty backend.
func runBackendSuite(t *testing.T, newBackend func(t *testing.T) Backend) {
	t.Run("ProfileRoundTrip", func(t *testing.T) {
		ctx := context.Background()
		b := newBackend(t)

		_, found, err := b.Profile(ctx, "x")
		require.NoError(t, err)
		assert.False(t, found)

		want := participant.Profile{Nickname: "Alice", Gender: "female"}
		require.NoError(t, b.SaveProfile(ctx, "x", want))

		got, found, err := b.Profile(ctx, "x")
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, want, got)

		require.NoError(t, b.ExpireProfile(ctx, "x", 0))
		_, found, err = b.Profile(ctx, "x")
		require.NoError(t, err)
		assert.False(t, found)

		require.NoError(t, b.ExpireProfile(ctx, "missing", 0))
	})

	t.Run("WaitingPool", func(t *testing.T) {
		ctx := context.Background()
		b := newBackend(t)

		_, found, err := b.PopWaiting(ctx)
		require.NoError(t, err)
		assert.False(t, found)

		require.NoError(t, b.AddWaiting(ctx, "x"))
		require.NoError(t, b.AddWaiting(ctx, "x"))
		require.NoError(t, b.AddWaiting(ctx, "y"))

		n, err := b.WaitingCount(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		require.NoError(t, b.RemoveWaiting(ctx, "y"))
		require.NoError(t, b.RemoveWaiting(ctx, "y"))

		waiting, err := b.IsWaiting(ctx, "y")
		require.NoError(t, err)
		assert.False(t, waiting)

		id, found, err := b.PopWaiting(ctx)
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, "x", id)

		n, err = b.WaitingCount(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("ConcurrentPopNeverDuplicates", func(t *testing.T) {
		ctx := context.Background()
		b := newBackend(t)

		const total = 60
		for i := range total {
			require.NoError(t, b.AddWaiting(ctx, fmt.Sprintf("p%02d", i)))
		}

		var (
			mu     sync.Mutex
			popped = make(map[string]int)
			wg     sync.WaitGroup
		)
		for range 8 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					id, found, err := b.PopWaiting(ctx)
					if err != nil || !found {
						return
					}
					mu.Lock()
					popped[id]++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		assert.Len(t, popped, total)
		for id, count := range popped {
			assert.Equal(t, 1, count, "id %s popped more than once", id)
		}
	})

	t.Run("PopWaitingPair", func(t *testing.T) {
		ctx := context.Background()
		b := newBackend(t)

		_, found, err := b.PopWaitingPair(ctx, "x")
		require.NoError(t, err)
		assert.False(t, found, "x is not waiting")

		require.NoError(t, b.AddWaiting(ctx, "x"))
		_, found, err = b.PopWaitingPair(ctx, "x")
		require.NoError(t, err)
		assert.False(t, found, "x is alone")

		waiting, err := b.IsWaiting(ctx, "x")
		require.NoError(t, err)
		assert.True(t, waiting, "a miss leaves the pool untouched")

		require.NoError(t, b.AddWaiting(ctx, "y"))
		require.NoError(t, b.AddWaiting(ctx, "z"))

		other, found, err := b.PopWaitingPair(ctx, "x")
		require.NoError(t, err)
		require.True(t, found)
		assert.Contains(t, []string{"y", "z"}, other)

		n, err := b.WaitingCount(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		waiting, err = b.IsWaiting(ctx, "x")
		require.NoError(t, err)
		assert.False(t, waiting)
	})

	t.Run("ConcurrentPopWaitingPairMatchesOnce", func(t *testing.T) {
		ctx := context.Background()

		for round := range 20 {
			b := newBackend(t)
			require.NoError(t, b.AddWaiting(ctx, "x"))
			require.NoError(t, b.AddWaiting(ctx, "y"))

			var (
				wg    sync.WaitGroup
				found [2]bool
				other [2]string
			)
			for i, id := range []string{"x", "y"} {
				wg.Add(1)
				go func() {
					defer wg.Done()
					o, ok, err := b.PopWaitingPair(ctx, id)
					assert.NoError(t, err)
					other[i], found[i] = o, ok
				}()
			}
			wg.Wait()

			require.NotEqual(t, found[0], found[1], "round %d: exactly one caller pairs", round)
			if found[0] {
				assert.Equal(t, "y", other[0])
			} else {
				assert.Equal(t, "x", other[1])
			}

			n, err := b.WaitingCount(ctx)
			require.NoError(t, err)
			assert.Zero(t, n)
		}
	})

	t.Run("LinkIsSymmetricAndLeavesPool", func(t *testing.T) {
		ctx := context.Background()
		b := newBackend(t)

		require.NoError(t, b.AddWaiting(ctx, "a"))
		require.NoError(t, b.AddWaiting(ctx, "b"))
		require.NoError(t, b.Link(ctx, "a", "b"))

		partner, found, err := b.Partner(ctx, "a")
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, "b", partner)

		partner, found, err = b.Partner(ctx, "b")
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, "a", partner)

		n, err := b.WaitingCount(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("LinkRejectsSelfAndTakenParticipants", func(t *testing.T) {
		ctx := context.Background()
		b := newBackend(t)

		assert.ErrorIs(t, b.Link(ctx, "a", "a"), ErrSelfLink)

		require.NoError(t, b.Link(ctx, "a", "b"))
		require.NoError(t, b.AddWaiting(ctx, "c"))

		assert.ErrorIs(t, b.Link(ctx, "c", "a"), ErrAlreadyLinked)
		assert.ErrorIs(t, b.Link(ctx, "b", "c"), ErrAlreadyLinked)

		_, found, err := b.Partner(ctx, "c")
		require.NoError(t, err)
		assert.False(t, found, "failed link must not leave a half entry")

		waiting, err := b.IsWaiting(ctx, "c")
		require.NoError(t, err)
		assert.True(t, waiting, "failed link must not touch the pool")

		partner, _, err := b.Partner(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, "b", partner)
	})

	t.Run("UnlinkOnlyRemovesMatchingPair", func(t *testing.T) {
		ctx := context.Background()
		b := newBackend(t)

		require.NoError(t, b.Link(ctx, "a", "b"))
		require.NoError(t, b.Link(ctx, "c", "d"))

		removed, err := b.Unlink(ctx, "a", "c")
		require.NoError(t, err)
		assert.False(t, removed)

		removed, err = b.Unlink(ctx, "b", "a")
		require.NoError(t, err)
		assert.True(t, removed)

		removed, err = b.Unlink(ctx, "a", "b")
		require.NoError(t, err)
		assert.False(t, removed, "second unlink must report nothing removed")

		for _, id := range []string{"a", "b"} {
			_, found, err := b.Partner(ctx, id)
			require.NoError(t, err)
			assert.False(t, found)
		}

		partner, found, err := b.Partner(ctx, "c")
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, "d", partner)
	})

	t.Run("ConcurrentLinksClaimParticipantOnce", func(t *testing.T) {
		ctx := context.Background()
		b := newBackend(t)

		const contenders = 10
		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			succeeded int
		)
		for i := range contenders {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				if err := b.Link(ctx, "hub", fmt.Sprintf("c%d", i)); err == nil {
					mu.Lock()
					succeeded++
					mu.Unlock()
				}
			}(i)
		}
		wg.Wait()

		assert.Equal(t, 1, succeeded)
	})
}
