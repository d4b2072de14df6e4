package store_test

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clashsub.com/p/internal/database"
	apperr "clashsub.com/p/internal/error"
	"clashsub.com/p/internal/model"
	"clashsub.com/p/internal/store"
	"clashsub.com/p/internal/testutil"
)

func newLoadedStore(t *testing.T) *store.Store {
	t.Helper()
	testutil.InitTestDB(t)
	s := store.NewStore()
	require.NoError(t, s.LoadAll())
	require.True(t, s.IsInitialized())
	return s
}

func sub(id string) model.Subscription {
	return model.Subscription{
		ID:          id,
		Source:      "https://" + id + ".example/sub",
		Extend:      model.SubscriptionExtend{Alias: id, LeastUpdated: time.Now()},
		RawDocument: []byte("doc-" + id),
	}
}

func mustInsert(t *testing.T, subs *store.SubscriptionsStore, s model.Subscription) model.Subscription {
	t.Helper()
	stored, err := subs.Insert(s)
	require.NoError(t, err)
	return stored
}

func TestInsertReturnsStoredCopy(t *testing.T) {
	s := newLoadedStore(t)

	in := sub("x")
	in.Extend.LeastUpdated = time.Date(2024, 5, 1, 12, 0, 0, 123456789, time.UTC)
	stored := mustInsert(t, s.Subscriptions, in)

	got, err := s.Subscriptions.Get("x")
	require.NoError(t, err)
	assert.Equal(t, got, stored)
	assert.True(t, stored.Extend.LeastUpdated.Equal(in.Extend.LeastUpdated))
}

func TestInsertListGetDelete(t *testing.T) {
	s := newLoadedStore(t)
	subs := s.Subscriptions

	mustInsert(t, subs, sub("one"))
	mustInsert(t, subs, sub("two"))
	_, err := subs.Insert(sub("one"))
	assert.True(t, errors.Is(err, apperr.ErrDuplicateID))

	list := subs.List()
	require.Len(t, list, 2)
	assert.Equal(t, "one", list[0].ID)
	assert.Equal(t, "two", list[1].ID)

	// 返回的是副本，修改不影响缓存
	list[0].RawDocument[0] = 'X'
	got, err := subs.Get("one")
	require.NoError(t, err)
	assert.Equal(t, []byte("doc-one"), got.RawDocument)

	require.NoError(t, subs.Delete("one"))
	assert.True(t, errors.Is(subs.Delete("one"), apperr.ErrNotFound))
	_, err = subs.Get("one")
	assert.True(t, errors.Is(err, apperr.ErrNotFound))

	// 重新加载后与缓存一致
	reloaded := store.NewStore()
	require.NoError(t, reloaded.LoadAll())
	assert.Equal(t, subs.List(), reloaded.Subscriptions.List())
}

func TestNoDuplicateIDsAfterInsertDeleteSequence(t *testing.T) {
	s := newLoadedStore(t)
	subs := s.Subscriptions

	for i := 0; i < 5; i++ {
		mustInsert(t, subs, sub(fmt.Sprintf("s%d", i)))
	}
	require.NoError(t, subs.Delete("s2"))
	mustInsert(t, subs, sub("s2"))
	_, err := subs.Insert(sub("s3"))
	require.Error(t, err)

	seen := map[string]bool{}
	for _, item := range subs.List() {
		assert.False(t, seen[item.ID], "duplicate id %s", item.ID)
		seen[item.ID] = true
	}
	assert.Len(t, seen, 5)
}

func TestConcurrentInsertSameID(t *testing.T) {
	s := newLoadedStore(t)

	var wg sync.WaitGroup
	var mu sync.Mutex
	success := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Subscriptions.Insert(sub("same")); err == nil {
				mu.Lock()
				success++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, success)
	assert.Len(t, s.Subscriptions.List(), 1)
}

func TestConcurrentUpdateYieldsOneInput(t *testing.T) {
	s := newLoadedStore(t)
	mustInsert(t, s.Subscriptions, sub("x"))

	var wg sync.WaitGroup
	for _, name := range []string{"A", "B"} {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			_, err := s.Subscriptions.Update("x", func(m *model.Subscription) error {
				m.Extend.Alias = name
				return nil
			})
			assert.NoError(t, err)
		}(name)
	}
	wg.Wait()

	got, err := s.Subscriptions.Get("x")
	require.NoError(t, err)
	assert.Contains(t, []string{"A", "B"}, got.Extend.Alias)

	persisted, err := database.GetSubscription("x")
	require.NoError(t, err)
	assert.Equal(t, got.Extend.Alias, persisted.Extend.Alias)
}

func TestUpdateMutatorErrorLeavesDataUntouched(t *testing.T) {
	s := newLoadedStore(t)
	mustInsert(t, s.Subscriptions, sub("x"))
	before, err := s.Subscriptions.Get("x")
	require.NoError(t, err)

	boom := errors.New("boom")
	_, err = s.Subscriptions.Update("x", func(m *model.Subscription) error {
		m.RawDocument = []byte("new")
		m.Extend.LeastUpdated = time.Now().Add(time.Hour)
		return boom
	})
	assert.ErrorIs(t, err, boom)

	after, err := s.Subscriptions.Get("x")
	require.NoError(t, err)
	assert.Equal(t, before.RawDocument, after.RawDocument)
	assert.True(t, before.Extend.LeastUpdated.Equal(after.Extend.LeastUpdated))

	_, err = s.Subscriptions.Update("nope", func(*model.Subscription) error { return nil })
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
}

func TestEventsEmittedAfterCommit(t *testing.T) {
	s := newLoadedStore(t)

	var events []store.Event
	cancel := s.Subscribe(func(ev store.Event) {
		// 事件到达时数据已可从数据库读出
		if ev.Kind == store.EventInserted {
			_, err := database.GetSubscription(ev.ID)
			assert.NoError(t, err)
		}
		events = append(events, ev)
	})

	mustInsert(t, s.Subscriptions, sub("x"))
	_, err := s.Subscriptions.Update("x", func(m *model.Subscription) error {
		m.Extend.Alias = "y"
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, s.AppConfig.SetCurrentSubscriptionID("x"))
	require.NoError(t, s.Subscriptions.Delete("x"))

	cancel()
	mustInsert(t, s.Subscriptions, sub("z"))

	assert.Equal(t, []store.Event{
		{Kind: store.EventInserted, ID: "x"},
		{Kind: store.EventUpdated, ID: "x"},
		{Kind: store.EventCurrentChanged, ID: "x"},
		{Kind: store.EventDeleted, ID: "x"},
	}, events)
}

// 两个 Store 打开同一个数据库，模拟 CLI 与 serve 两个进程
func TestStoresSharingDatabase(t *testing.T) {
	serve := newLoadedStore(t)
	cli := store.NewStore()
	require.NoError(t, cli.LoadAll())

	mustInsert(t, cli.Subscriptions, sub("x"))

	list := serve.Subscriptions.List()
	require.Len(t, list, 1)
	assert.Equal(t, "x", list[0].ID)
	assert.True(t, serve.Subscriptions.Exists("x"))

	updated, err := serve.Subscriptions.Update("x", func(m *model.Subscription) error {
		m.Extend.Alias = "from-serve"
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "from-serve", updated.Extend.Alias)

	got, err := cli.Subscriptions.Get("x")
	require.NoError(t, err)
	assert.Equal(t, "from-serve", got.Extend.Alias)

	// 另一边插入同一个 ID 仍然报重复
	_, err = serve.Subscriptions.Insert(sub("x"))
	assert.True(t, errors.Is(err, apperr.ErrDuplicateID))

	require.NoError(t, cli.AppConfig.SetCurrentSubscriptionID("x"))
	assert.Equal(t, "x", serve.AppConfig.CurrentSubscriptionID())

	require.NoError(t, cli.Subscriptions.Delete("x"))
	assert.Empty(t, serve.Subscriptions.List())
	assert.True(t, errors.Is(serve.Subscriptions.Delete("x"), apperr.ErrNotFound))
	_, err = serve.Subscriptions.Update("x", func(*model.Subscription) error { return nil })
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
}

func TestAppConfigStore(t *testing.T) {
	s := newLoadedStore(t)
	acs := s.AppConfig

	assert.Equal(t, "", acs.CurrentSubscriptionID())
	assert.False(t, acs.IPv6Enabled())

	require.NoError(t, acs.SetCurrentSubscriptionID("abc"))
	require.NoError(t, acs.SetIPv6Enabled(true))
	require.NoError(t, acs.SetLogLevel("debug"))

	reloaded := store.NewStore()
	require.NoError(t, reloaded.LoadAll())
	assert.Equal(t, "abc", reloaded.AppConfig.CurrentSubscriptionID())
	assert.True(t, reloaded.AppConfig.IPv6Enabled())
	assert.Equal(t, "debug", reloaded.AppConfig.LogLevel())

	v, err := acs.GetWithDefault("custom", "fallback")
	require.NoError(t, err)
	assert.Equal(t, "fallback", v)
}
