package subscription

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVMessParser(t *testing.T) {
	raw := `{"v":"2","ps":"vm","add":"v.example.com","port":"443","id":"uuid-1","aid":"2","net":"ws","host":"cdn.example.com","path":"/ws","tls":"tls"}`
	p, err := (&VMessParser{}).Parse("vmess://" + base64.StdEncoding.EncodeToString([]byte(raw)))
	require.NoError(t, err)
	assert.Equal(t, "vm", p.Name)
	assert.Equal(t, 443, p.Port)
	assert.Equal(t, 2, p.AlterID)
	assert.Equal(t, "auto", p.Cipher)
	assert.True(t, p.TLS)
	require.NotNil(t, p.WSOpts)
	assert.Equal(t, "/ws", p.WSOpts.Path)
	assert.Equal(t, "cdn.example.com", p.WSOpts.Headers["Host"])

	// 数字形式的端口
	raw = `{"add":"1.1.1.1","port":8443,"id":"u","aid":0,"net":"tcp"}`
	p, err = (&VMessParser{}).Parse("vmess://" + base64.RawStdEncoding.EncodeToString([]byte(raw)))
	require.NoError(t, err)
	assert.Equal(t, 8443, p.Port)
	assert.Equal(t, "1.1.1.1:8443", p.Name)
}

func TestVLESSParser(t *testing.T) {
	p, err := (&VLESSParser{}).Parse("vless://uuid-2@l.example.com:443?security=tls&sni=l.example.com&type=grpc&serviceName=svc&flow=xtls-rprx-vision#VL")
	require.NoError(t, err)
	assert.Equal(t, "VL", p.Name)
	assert.Equal(t, "uuid-2", p.UUID)
	assert.Equal(t, "grpc", p.Network)
	require.NotNil(t, p.GRPCOpts)
	assert.Equal(t, "svc", p.GRPCOpts.ServiceName)
	assert.Equal(t, "xtls-rprx-vision", p.Flow)
	assert.True(t, p.TLS)
}

func TestSSParser(t *testing.T) {
	// 整体 Base64 格式
	whole := base64.StdEncoding.EncodeToString([]byte("chacha20-ietf-poly1305:pw@9.9.9.9:8388"))
	p, err := (&SSParser{}).Parse("ss://" + whole + "#My%20SS")
	require.NoError(t, err)
	assert.Equal(t, "My SS", p.Name)
	assert.Equal(t, "chacha20-ietf-poly1305", p.Cipher)
	assert.Equal(t, "pw", p.Password)
	assert.Equal(t, "9.9.9.9", p.Server)
	assert.Equal(t, 8388, p.Port)

	// SIP002 带插件参数
	user := base64.RawURLEncoding.EncodeToString([]byte("aes-128-gcm:pass"))
	p, err = (&SSParser{}).Parse("ss://" + user + "@s.example.com:443/?plugin=v2ray-plugin")
	require.NoError(t, err)
	assert.Equal(t, "aes-128-gcm", p.Cipher)
	assert.Equal(t, "s.example.com:443", p.Name)

	_, err = (&SSParser{}).Parse("ss://bm90LXZhbGlk")
	assert.Error(t, err)
}

func TestTrojanParser(t *testing.T) {
	p, err := (&TrojanParser{}).Parse("trojan://pw@t.example.com:443?sni=sni.example.com&allowInsecure=1&alpn=h2,http/1.1")
	require.NoError(t, err)
	assert.Equal(t, "t.example.com:443", p.Name)
	assert.Equal(t, "sni.example.com", p.SNI)
	assert.True(t, p.SkipCertVerify)
	assert.Equal(t, []string{"h2", "http/1.1"}, p.ALPN)

	_, err = (&TrojanParser{}).Parse("trojan://t.example.com:443")
	assert.Error(t, err)
}

func TestSOCKS5Parser(t *testing.T) {
	p, err := (&SOCKS5Parser{}).Parse("socks5://10.0.0.2:1080#office")
	require.NoError(t, err)
	assert.Equal(t, "office", p.Name)
	assert.Equal(t, "", p.Username)

	_, err = (&SOCKS5Parser{}).Parse("socks5://host")
	assert.Error(t, err)
}

func TestParseURIListUniqueNames(t *testing.T) {
	proxies := parseURIList("socks5://1.1.1.1:1#n\nsocks5://2.2.2.2:2#n\nsocks5://3.3.3.3:3#n (2)")
	require.Len(t, proxies, 3)
	assert.Equal(t, "n", proxies[0].Name)
	assert.Equal(t, "n (2)", proxies[1].Name)
	assert.Equal(t, "n (2) (2)", proxies[2].Name)
}
