package store

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"festival-live-backend/internal/model"
)

func sub(endpoint string) model.PushSubscription {
	return model.PushSubscription{Endpoint: endpoint, P256DH: "k-" + endpoint, Auth: "a-" + endpoint}
}

func user(id string) model.Identity {
	return model.Identity{UserID: id}
}

func collect(t *testing.T, s Store) []model.PushSubscription {
	t.Helper()
	var out []model.PushSubscription
	for sub, err := range s.AllActive(context.Background()) {
		require.NoError(t, err)
		out = append(out, sub)
	}
	return out
}

func countUser(t *testing.T, s Store, userID string) int {
	t.Helper()
	n := 0
	for _, sub := range collect(t, s) {
		if sub.OwnedBy(userID) {
			n++
		}
	}
	return n
}

// runStoreSuite exercises behaviour every backend must share.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("repeated user upserts keep one subscription", func(t *testing.T) {
		s := newStore(t)
		for i := 0; i < 5; i++ {
			require.NoError(t, s.Upsert(ctx, sub(fmt.Sprintf("https://push.example/u1-%d", i)), user("u1")))
		}
		assert.Equal(t, 1, countUser(t, s, "u1"))

		got, err := s.FindByUser(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, "https://push.example/u1-4", got.Endpoint)
	})

	t.Run("re-registering an endpoint replaces it", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Upsert(ctx, sub("https://push.example/e"), model.Anonymous))
		updated := sub("https://push.example/e")
		updated.P256DH = "rotated"
		require.NoError(t, s.Upsert(ctx, updated, model.Anonymous))

		all := collect(t, s)
		require.Len(t, all, 1)
		assert.Equal(t, "rotated", all[0].P256DH)
	})

	t.Run("scenario: user moves from E1 to E2", func(t *testing.T) {
		s := newStore(t)
		e1 := model.PushSubscription{Endpoint: "https://push.example/E1", P256DH: "k1", Auth: "a1"}
		e2 := model.PushSubscription{Endpoint: "https://push.example/E2", P256DH: "k2", Auth: "a2"}
		require.NoError(t, s.Upsert(ctx, e1, user("U")))
		require.NoError(t, s.Upsert(ctx, e2, user("U")))

		got, err := s.FindByUser(ctx, "U")
		require.NoError(t, err)
		assert.Equal(t, e2.Endpoint, got.Endpoint)
		_, err = s.FindByEndpoint(ctx, e1.Endpoint)
		assert.ErrorIs(t, err, ErrNotFound)

		assert.NoError(t, s.Remove(ctx, e1.Endpoint))
		assert.Len(t, collect(t, s), 1)
	})

	t.Run("remove is idempotent", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Upsert(ctx, sub("https://push.example/a"), model.Anonymous))
		require.NoError(t, s.Upsert(ctx, sub("https://push.example/b"), model.Anonymous))

		require.NoError(t, s.Remove(ctx, "https://push.example/a"))
		once := collect(t, s)
		require.NoError(t, s.Remove(ctx, "https://push.example/a"))
		assert.Equal(t, once, collect(t, s))
		require.NoError(t, s.Remove(ctx, "https://push.example/never"))
	})

	t.Run("anonymous subscriptions are deduplicated by endpoint only", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Upsert(ctx, sub("https://push.example/d1"), model.Anonymous))
		require.NoError(t, s.Upsert(ctx, sub("https://push.example/d2"), model.Anonymous))
		require.NoError(t, s.Upsert(ctx, sub("https://push.example/u"), user("u")))

		n, err := s.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(3), n)

		anon, err := s.FindAnonymousByEndpoint(ctx, "https://push.example/d1")
		require.NoError(t, err)
		assert.True(t, anon.Anonymous())

		_, err = s.FindAnonymousByEndpoint(ctx, "https://push.example/u")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("anonymous endpoint is adopted when the user signs in", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Upsert(ctx, sub("https://push.example/device"), model.Anonymous))
		require.NoError(t, s.Upsert(ctx, sub("https://push.example/device"), user("u9")))

		got, err := s.FindByUser(ctx, "u9")
		require.NoError(t, err)
		assert.Equal(t, "https://push.example/device", got.Endpoint)
		_, err = s.FindAnonymousByEndpoint(ctx, "https://push.example/device")
		assert.ErrorIs(t, err, ErrNotFound)
		assert.Len(t, collect(t, s), 1)
	})

	t.Run("anonymous re-registration keeps the owner", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Upsert(ctx, sub("https://push.example/phone"), user("u3")))
		refreshed := sub("https://push.example/phone")
		refreshed.P256DH = "rotated"
		require.NoError(t, s.Upsert(ctx, refreshed, model.Anonymous))

		got, err := s.FindByUser(ctx, "u3")
		require.NoError(t, err)
		assert.Equal(t, "https://push.example/phone", got.Endpoint)
		assert.Equal(t, "rotated", got.P256DH)
		assert.Len(t, collect(t, s), 1)
	})

	t.Run("user identity overrides caller supplied user id", func(t *testing.T) {
		s := newStore(t)
		forged := sub("https://push.example/forged")
		other := "someone-else"
		forged.UserID = &other
		require.NoError(t, s.Upsert(ctx, forged, model.Anonymous))

		got, err := s.FindByEndpoint(ctx, forged.Endpoint)
		require.NoError(t, err)
		assert.True(t, got.Anonymous())
	})

	t.Run("rejects incomplete subscriptions", func(t *testing.T) {
		s := newStore(t)
		err := s.Upsert(ctx, model.PushSubscription{Endpoint: "https://push.example/x"}, model.Anonymous)
		assert.ErrorIs(t, err, ErrInvalidSubscription)
		err = s.Upsert(ctx, model.PushSubscription{P256DH: "k", Auth: "a"}, model.Anonymous)
		assert.ErrorIs(t, err, ErrInvalidSubscription)
	})

	t.Run("mark gone removes only that endpoint", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Upsert(ctx, sub("https://push.example/gone"), user("g")))
		require.NoError(t, s.Upsert(ctx, sub("https://push.example/kept"), model.Anonymous))

		require.NoError(t, s.MarkGone(ctx, "https://push.example/gone"))
		_, err := s.FindByUser(ctx, "g")
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = s.FindByEndpoint(ctx, "https://push.example/kept")
		assert.NoError(t, err)
	})

	t.Run("all active pages through every record and restarts", func(t *testing.T) {
		s := newStore(t)
		for i := 0; i < 7; i++ {
			require.NoError(t, s.Upsert(ctx, sub(fmt.Sprintf("https://push.example/p%02d", i)), model.Anonymous))
		}
		first := collect(t, s)
		require.Len(t, first, 7)
		assert.Equal(t, "https://push.example/p00", first[0].Endpoint)
		assert.Equal(t, "https://push.example/p06", first[6].Endpoint)
		assert.Equal(t, first, collect(t, s))

		seen := 0
		for _, err := range s.AllActive(ctx) {
			require.NoError(t, err)
			seen++
			if seen == 2 {
				break
			}
		}
		assert.Equal(t, 2, seen)
	})

	t.Run("concurrent upserts for one user leave exactly one", func(t *testing.T) {
		s := newStore(t)
		var wg sync.WaitGroup
		errs := make(chan error, 20)
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				errs <- s.Upsert(ctx, sub(fmt.Sprintf("https://push.example/race-%d", i)), user("racer"))
			}(i)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}
		assert.Equal(t, 1, countUser(t, s, "racer"))
	})
}
