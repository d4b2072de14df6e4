package subscription_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperr "clashsub.com/p/internal/error"
	"clashsub.com/p/internal/logging"
	"clashsub.com/p/internal/model"
	"clashsub.com/p/internal/store"
	"clashsub.com/p/internal/subscription"
	"clashsub.com/p/internal/testutil"
)

const validDoc = `
proxies:
  - {name: a, type: socks5, server: 127.0.0.1, port: 1080}
proxy-groups:
  - {name: Proxy, type: select, proxies: [a, DIRECT]}
rules:
  - MATCH,Proxy
`

// docServer 按 status 返回文档，status 可在测试中修改
type docServer struct {
	*httptest.Server
	status atomic.Int32
	body   atomic.Value
}

func newDocServer(t *testing.T) *docServer {
	t.Helper()
	s := &docServer{}
	s.status.Store(http.StatusOK)
	s.body.Store(validDoc)
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(s.status.Load()))
		w.Write([]byte(s.body.Load().(string)))
	}))
	t.Cleanup(s.Close)
	return s
}

func newManager(t *testing.T) (*subscription.SubscriptionManager, *store.Store) {
	t.Helper()
	testutil.InitTestDB(t)
	st := store.NewStore()
	require.NoError(t, st.LoadAll())
	log := logging.NewNopLogger()
	fetcher := subscription.NewHTTPFetcher(subscription.FetcherOptions{}, log)
	return subscription.NewSubscriptionManager(fetcher, st.Subscriptions, log), st
}

func TestDownload(t *testing.T) {
	srv := newDocServer(t)
	mgr, st := newManager(t)

	sub, err := mgr.Download(context.Background(), srv.URL+"/sub?token=x")
	require.NoError(t, err)
	assert.NotEmpty(t, sub.ID)
	assert.Equal(t, srv.URL+"/sub?token=x", sub.Source)
	assert.Equal(t, "127.0.0.1", sub.Extend.Alias)
	assert.False(t, sub.Extend.LeastUpdated.IsZero())
	assert.Equal(t, validDoc, string(sub.RawDocument))

	// 返回值就是存储中的那一份
	stored, err := st.Subscriptions.Get(sub.ID)
	require.NoError(t, err)
	assert.Equal(t, stored, sub)
	assert.True(t, stored.Extend.LeastUpdated.Equal(sub.Extend.LeastUpdated))

	list := st.Subscriptions.List()
	require.Len(t, list, 1)
	assert.Equal(t, sub.ID, list[0].ID)

	cfg, err := mgr.Document(sub.ID)
	require.NoError(t, err)
	assert.Equal(t, "a", cfg.Proxies[0].Name)
}

func TestDownloadFailuresLeaveStoreUntouched(t *testing.T) {
	srv := newDocServer(t)
	mgr, st := newManager(t)

	_, err := mgr.Download(context.Background(), "ftp://example.com/sub")
	assert.True(t, errors.Is(err, apperr.ErrNetwork))
	_, err = mgr.Download(context.Background(), "not a url")
	assert.True(t, errors.Is(err, apperr.ErrNetwork))

	srv.body.Store("rules: []\n")
	_, err = mgr.Download(context.Background(), srv.URL)
	assert.True(t, errors.Is(err, apperr.ErrParse))

	srv.status.Store(http.StatusNotFound)
	_, err = mgr.Download(context.Background(), srv.URL)
	assert.True(t, errors.Is(err, apperr.ErrNetwork))

	assert.Empty(t, st.Subscriptions.List())
}

func TestUpdateServerErrorKeepsDocument(t *testing.T) {
	srv := newDocServer(t)
	mgr, st := newManager(t)

	sub, err := mgr.Download(context.Background(), srv.URL)
	require.NoError(t, err)

	srv.status.Store(http.StatusInternalServerError)
	srv.body.Store("proxies: []")
	_, err = mgr.Update(context.Background(), sub)
	assert.True(t, errors.Is(err, apperr.ErrNetwork))

	after, err := st.Subscriptions.Get(sub.ID)
	require.NoError(t, err)
	assert.Equal(t, sub.RawDocument, after.RawDocument)
	assert.True(t, sub.Extend.LeastUpdated.Equal(after.Extend.LeastUpdated))

	// 返回 200 但内容无效同样不修改
	srv.status.Store(http.StatusOK)
	_, err = mgr.Update(context.Background(), sub)
	assert.True(t, errors.Is(err, apperr.ErrParse))
	after, err = st.Subscriptions.Get(sub.ID)
	require.NoError(t, err)
	assert.Equal(t, sub.RawDocument, after.RawDocument)
}

func TestUpdateReplacesDocument(t *testing.T) {
	srv := newDocServer(t)
	mgr, _ := newManager(t)

	sub, err := mgr.Download(context.Background(), srv.URL)
	require.NoError(t, err)

	next := validDoc + "  - DOMAIN,example.com,DIRECT\n"
	srv.body.Store(next)
	updated, err := mgr.Update(context.Background(), sub)
	require.NoError(t, err)
	assert.Equal(t, next, string(updated.RawDocument))
	assert.False(t, updated.Extend.LeastUpdated.Before(sub.Extend.LeastUpdated))
	assert.Equal(t, sub.Extend.Alias, updated.Extend.Alias)

	_, err = mgr.Update(context.Background(), model.Subscription{ID: "missing"})
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
}

func TestRename(t *testing.T) {
	srv := newDocServer(t)
	mgr, st := newManager(t)
	sub, err := mgr.Download(context.Background(), srv.URL)
	require.NoError(t, err)

	for _, name := range []string{"", "   ", sub.Extend.Alias, "  " + sub.Extend.Alias + "\t"} {
		_, err := mgr.Rename(sub, name)
		assert.True(t, errors.Is(err, apperr.ErrInvalidName), "name %q", name)
	}
	got, err := st.Subscriptions.Get(sub.ID)
	require.NoError(t, err)
	assert.Equal(t, sub.Extend.Alias, got.Extend.Alias)
	assert.True(t, got.Extend.LeastUpdated.Equal(sub.Extend.LeastUpdated), "rejected rename must not touch least_updated")

	renamed, err := mgr.Rename(sub, "  Home  ")
	require.NoError(t, err)
	assert.Equal(t, "Home", renamed.Extend.Alias)
	assert.Equal(t, sub.RawDocument, renamed.RawDocument)
	assert.True(t, renamed.Extend.LeastUpdated.Equal(sub.Extend.LeastUpdated), "rename is not an update")

	_, err = mgr.Rename(model.Subscription{ID: "missing"}, "x")
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
}

func TestConcurrentRename(t *testing.T) {
	srv := newDocServer(t)
	mgr, st := newManager(t)
	sub, err := mgr.Download(context.Background(), srv.URL)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for _, name := range []string{"A", "B"} {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			_, err := mgr.Rename(sub, name)
			assert.NoError(t, err)
		}(name)
	}
	wg.Wait()

	got, err := st.Subscriptions.Get(sub.ID)
	require.NoError(t, err)
	assert.Contains(t, []string{"A", "B"}, got.Extend.Alias)
}

func TestDelete(t *testing.T) {
	srv := newDocServer(t)
	mgr, st := newManager(t)
	sub, err := mgr.Download(context.Background(), srv.URL)
	require.NoError(t, err)

	require.NoError(t, mgr.Delete(sub))
	assert.Empty(t, st.Subscriptions.List())
	assert.True(t, errors.Is(mgr.Delete(sub), apperr.ErrNotFound))
}
