package subscription

import (
	"encoding/base64"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperr "clashsub.com/p/internal/error"
	"clashsub.com/p/internal/model"
)

const sampleYAML = `
mixed-port: 7890
mode: rule
proxies:
  - name: hk-01
    type: vmess
    server: hk.example.com
    port: 443
    uuid: 6b9c1f1e-3c4d-4e5f-8a9b-0c1d2e3f4a5b
    alterId: 0
    cipher: auto
    tls: true
    network: ws
    ws-opts:
      path: /ray
      headers:
        Host: cdn.example.com
  - name: jp-01
    type: trojan
    server: jp.example.com
    port: 443
    password: secret
    sni: jp.example.com
proxy-groups:
  - name: Auto
    type: url-test
    proxies: [hk-01, jp-01]
    url: http://www.gstatic.com/generate_204
    interval: 300
  - name: Proxy
    type: select
    proxies: [Auto, hk-01, jp-01, DIRECT]
rules:
  - DOMAIN-SUFFIX,google.com,Proxy
  - GEOIP,CN,DIRECT
  - MATCH,Proxy
`

func TestParseClashYAML(t *testing.T) {
	cfg, err := Parse([]byte(sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, 7890, cfg.MixedPort)
	require.Len(t, cfg.Proxies, 2)
	hk := cfg.Proxies[0]
	assert.Equal(t, "vmess", hk.Type)
	assert.True(t, hk.TLS)
	require.NotNil(t, hk.WSOpts)
	assert.Equal(t, "/ray", hk.WSOpts.Path)
	assert.Equal(t, "cdn.example.com", hk.WSOpts.Headers["Host"])

	require.Len(t, cfg.ProxyGroups, 2)
	assert.Equal(t, []string{"Auto", "hk-01", "jp-01", "DIRECT"}, cfg.ProxyGroups[1].Proxies)
	assert.Len(t, cfg.Rules, 3)
}

func TestParseLegacyKeys(t *testing.T) {
	doc := `
Proxy:
  - {name: a, type: ss, server: 1.2.3.4, port: 8388, cipher: aes-128-gcm, password: p}
Proxy Group:
  - {name: G, type: select, proxies: [a]}
Rule:
  - MATCH,G
`
	cfg, err := Parse([]byte(doc))
	require.NoError(t, err)
	assert.Equal(t, "a", cfg.Proxies[0].Name)
	assert.Equal(t, "G", cfg.ProxyGroups[0].Name)
	assert.Equal(t, []string{"MATCH,G"}, cfg.Rules)
}

func TestParseRejectsInvalidDocuments(t *testing.T) {
	cases := map[string]string{
		"empty":          "",
		"garbage":        "this is not a config",
		"no proxies":     "mode: rule\nrules:\n  - MATCH,DIRECT\n",
		"empty proxies":  "proxies: []\n",
		"missing server": "proxies:\n  - {name: a, type: ss, port: 1}\n",
		"zero port":      "proxies:\n  - {name: a, type: ss, server: h, port: 0}\n",
		"duplicate name": "proxies:\n  - {name: a, type: ss, server: h, port: 1}\n  - {name: a, type: ss, server: h, port: 2}\n",
		"unknown member": "proxies:\n  - {name: a, type: ss, server: h, port: 1}\nproxy-groups:\n  - {name: G, type: select, proxies: [a, b]}\n",
		"group no type":  "proxies:\n  - {name: a, type: ss, server: h, port: 1}\nproxy-groups:\n  - {name: G, proxies: [a]}\n",
		"broken yaml":    "proxies: [\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			require.Error(t, err)
			assert.True(t, errors.Is(err, apperr.ErrParse), "got %v", err)
		})
	}
}

func TestParseGroupMayReferenceLaterGroup(t *testing.T) {
	doc := `
proxies:
  - {name: a, type: socks5, server: h, port: 1080}
proxy-groups:
  - {name: Outer, type: select, proxies: [Inner, REJECT]}
  - {name: Inner, type: select, proxies: [a]}
`
	_, err := Parse([]byte(doc))
	assert.NoError(t, err)
}

func TestParseBuiltinPolicies(t *testing.T) {
	doc := `
proxies:
  - {name: a, type: socks5, server: h, port: 1080}
proxy-groups:
  - {name: Ads, type: select, proxies: [REJECT-DROP, DIRECT]}
  - {name: Fallthrough, type: select, proxies: [PASS, COMPATIBLE, a]}
rules:
  - DOMAIN-SUFFIX,ads.example.com,Ads
  - MATCH,Fallthrough
`
	cfg, err := Parse([]byte(doc))
	require.NoError(t, err)
	assert.Equal(t, []string{model.PolicyRejectDrop, model.PolicyDirect}, cfg.ProxyGroups[0].Proxies)

	// 大小写不同的名称不是内置策略
	_, err = Parse([]byte(strings.Replace(doc, "REJECT-DROP", "reject-drop", 1)))
	assert.True(t, errors.Is(err, apperr.ErrParse))
}

func TestParseQuotedPort(t *testing.T) {
	doc := `
proxies:
  - {name: a, type: socks5, server: h, port: "1080"}
  - name: b
    type: vmess
    server: v.example.com
    port: ' 443 '
    uuid: 3f1c0a2e-0000-4000-8000-000000000000
    alterId: "0"
  - {name: c, type: socks5, server: h, port: 1081}
`
	cfg, err := Parse([]byte(doc))
	require.NoError(t, err)
	require.Len(t, cfg.Proxies, 3)
	assert.Equal(t, 1080, cfg.Proxies[0].Port)
	assert.Equal(t, 443, cfg.Proxies[1].Port)
	assert.Equal(t, 0, cfg.Proxies[1].AlterID)
	assert.Equal(t, 1081, cfg.Proxies[2].Port)

	_, err = Parse([]byte(`proxies: [{name: a, type: socks5, server: h, port: "http"}]`))
	assert.True(t, errors.Is(err, apperr.ErrParse))
}

func TestParseURIListFallback(t *testing.T) {
	list := strings.Join([]string{
		"trojan://pass@t.example.com:443?sni=t.example.com#Trojan%20Node",
		"ss://" + base64.StdEncoding.EncodeToString([]byte("aes-256-gcm:pw")) + "@s.example.com:8388#SS",
		"socks5://u:p@10.0.0.1:1080",
		"unknown://whatever",
	}, "\n")

	for _, body := range []string{list, base64.StdEncoding.EncodeToString([]byte(list))} {
		cfg, err := Parse([]byte(body))
		require.NoError(t, err)
		require.Len(t, cfg.Proxies, 3)
		assert.Equal(t, "Trojan Node", cfg.Proxies[0].Name)
		assert.Equal(t, "SS", cfg.Proxies[1].Name)
		assert.Equal(t, "aes-256-gcm", cfg.Proxies[1].Cipher)
		assert.Equal(t, "10.0.0.1:1080", cfg.Proxies[2].Name)

		require.Len(t, cfg.ProxyGroups, 1)
		assert.Equal(t, DefaultGroupName, cfg.ProxyGroups[0].Name)
		assert.Equal(t, []string{"Trojan Node", "SS", "10.0.0.1:1080"}, cfg.ProxyGroups[0].Proxies)
		assert.Equal(t, []string{"MATCH," + DefaultGroupName}, cfg.Rules)
	}
}

func TestValidateNil(t *testing.T) {
	assert.True(t, errors.Is(Validate(nil), apperr.ErrParse))
	assert.NoError(t, Validate(&model.ClashConfig{
		Proxies: []model.Proxy{{Name: "a", Type: "http", Server: "h", Port: 80}},
	}))
}
