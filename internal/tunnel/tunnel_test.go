package tunnel

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperr "clashsub.com/p/internal/error"
	"clashsub.com/p/internal/logging"
	"clashsub.com/p/internal/model"
	"clashsub.com/p/internal/xray"
)

type fakeLoader map[string]*model.ClashConfig

func (l fakeLoader) Document(id string) (*model.ClashConfig, error) {
	cfg, ok := l[id]
	if !ok {
		return nil, apperr.NewNotFoundError(id)
	}
	return cfg, nil
}

type fakeSettings struct{ ipv6 bool }

func (s fakeSettings) LogLevel() string { return "debug" }
func (s fakeSettings) IPv6Enabled() bool { return s.ipv6 }
func (s fakeSettings) DirectRoutes() []string { return nil }
func (s fakeSettings) DirectRoutesUseProxy() bool { return false }

type fakeInstance struct {
	config   []byte
	running  bool
	startErr error
}

func (f *fakeInstance) Start() error {
	if f.startErr != nil {
		return f.startErr
	}
	f.running = true
	return nil
}
func (f *fakeInstance) Stop() error     { f.running = false; return nil }
func (f *fakeInstance) IsRunning() bool { return f.running }

func newTestTunnel(loader fakeLoader, settings Settings) (*XrayTunnel, *[]*fakeInstance) {
	created := &[]*fakeInstance{}
	tun := NewXrayTunnel(loader, settings, 17000, logging.NewNopLogger())
	tun.factory = func(configJSON []byte, _ xray.LogCallback) (instance, error) {
		inst := &fakeInstance{config: configJSON}
		*created = append(*created, inst)
		return inst, nil
	}
	return tun, created
}

var docA = &model.ClashConfig{
	Proxies: []model.Proxy{
		{Name: "a1", Type: "ss", Server: "a1.example.com", Port: 1, Cipher: "aes-128-gcm", Password: "p"},
		{Name: "a2", Type: "trojan", Server: "a2.example.com", Port: 443, Password: "p"},
	},
	ProxyGroups: []model.ProxyGroup{
		{Name: "Auto", Type: "url-test", Proxies: []string{"a1"}},
		{Name: "Select", Type: "select", Proxies: []string{"DIRECT", "Nested"}},
		{Name: "Nested", Type: "select", Proxies: []string{"a2"}},
	},
	Rules: []string{"MATCH,Select"},
}

func TestSelectProxy(t *testing.T) {
	p, err := SelectProxy(docA)
	require.NoError(t, err)
	assert.Equal(t, "a2", p.Name)

	noGroups := &model.ClashConfig{Proxies: docA.Proxies}
	p, err = SelectProxy(noGroups)
	require.NoError(t, err)
	assert.Equal(t, "a1", p.Name)

	// 组成员循环引用时退回第一个节点
	cyclic := &model.ClashConfig{
		Proxies: docA.Proxies,
		ProxyGroups: []model.ProxyGroup{
			{Name: "X", Type: "select", Proxies: []string{"Y"}},
			{Name: "Y", Type: "select", Proxies: []string{"X"}},
		},
	}
	p, err = SelectProxy(cyclic)
	require.NoError(t, err)
	assert.Equal(t, "a1", p.Name)

	_, err = SelectProxy(&model.ClashConfig{})
	assert.Error(t, err)
}

func TestSetActiveRestartsInstance(t *testing.T) {
	tun, created := newTestTunnel(fakeLoader{"a": docA, "b": {Proxies: docA.Proxies[:1]}}, fakeSettings{ipv6: true})

	require.NoError(t, tun.SetActive(context.Background(), "a"))
	require.Len(t, *created, 1)
	assert.True(t, (*created)[0].running)
	assert.Equal(t, Status{Running: true, SubscriptionID: "a", ProxyName: "a2", Port: 17000}, tun.Status())

	var cfg map[string]interface{}
	require.NoError(t, json.Unmarshal((*created)[0].config, &cfg))
	outbounds := cfg["outbounds"].([]interface{})
	assert.Equal(t, "trojan", outbounds[0].(map[string]interface{})["protocol"])

	require.NoError(t, tun.SetActive(context.Background(), "b"))
	require.Len(t, *created, 2)
	assert.False(t, (*created)[0].running, "old instance must be stopped")
	assert.True(t, (*created)[1].running)
	assert.Equal(t, "a1", tun.Status().ProxyName)

	require.NoError(t, tun.Stop())
	assert.False(t, (*created)[1].running)
	assert.False(t, tun.Status().Running)
}

func TestSetActiveErrors(t *testing.T) {
	tun, _ := newTestTunnel(fakeLoader{"a": docA}, fakeSettings{})

	err := tun.SetActive(context.Background(), "missing")
	assert.True(t, errors.Is(err, apperr.ErrNotFound))

	tun.factory = func([]byte, xray.LogCallback) (instance, error) {
		return &fakeInstance{startErr: errors.New("address already in use")}, nil
	}
	err = tun.SetActive(context.Background(), "a")
	assert.True(t, errors.Is(err, apperr.ErrTunnel))
	assert.False(t, tun.Status().Running)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.True(t, errors.Is(tun.SetActive(ctx, "a"), apperr.ErrTunnel))
}
