package subscription

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"clashsub.com/p/internal/config"
	apperr "clashsub.com/p/internal/error"
	"clashsub.com/p/internal/sockes5"
)

// MaxDocumentSize 订阅文档大小上限（解压后）
const MaxDocumentSize = 8 << 20

// DefaultUserAgent 默认 User-Agent，部分机场据此返回 Clash 格式
const DefaultUserAgent = "ClashSub/1.0"

// Fetcher 拉取订阅文档
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// FetcherOptions HTTP 拉取参数
type FetcherOptions struct {
	Timeout    time.Duration
	UserAgent  string
	RatePerSec float64 // 0 表示不限速
	Burst      int
	SOCKS5Addr string // 非空时经由 SOCKS5 代理拉取
	SOCKS5User string
	SOCKS5Pass string
}

// FetcherOptionsFromConfig 从应用配置生成拉取参数。
func FetcherOptionsFromConfig(cfg *config.Config) FetcherOptions {
	return FetcherOptions{
		Timeout:    cfg.FetchTimeout(),
		UserAgent:  cfg.UserAgent,
		RatePerSec: cfg.FetchRatePerSec,
		Burst:      cfg.FetchBurst,
		SOCKS5Addr: cfg.FetchProxy,
		SOCKS5User: cfg.FetchProxyUser,
		SOCKS5Pass: cfg.FetchProxyPass,
	}
}

// HTTPFetcher 基于 net/http 的订阅拉取器，不做重试。
type HTTPFetcher struct {
	client    *http.Client
	userAgent string
	limiter   *rate.Limiter
	log       logrus.FieldLogger
}

// NewHTTPFetcher 创建拉取器。
func NewHTTPFetcher(opts FetcherOptions, log logrus.FieldLogger) *HTTPFetcher {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	// 自行声明并解码 gzip/zstd，关闭标准库的自动解压
	transport.DisableCompression = true
	if opts.SOCKS5Addr != "" {
		socks := &sockes5.SOCKS5Client{
			ProxyAddr: opts.SOCKS5Addr,
			Username:  opts.SOCKS5User,
			Password:  opts.SOCKS5Pass,
		}
		transport.Proxy = nil
		transport.DialContext = socks.DialContext
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	userAgent := opts.UserAgent
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}

	f := &HTTPFetcher{
		client:    &http.Client{Timeout: timeout, Transport: transport},
		userAgent: userAgent,
		log:       log,
	}
	if opts.RatePerSec > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		f.limiter = rate.NewLimiter(rate.Limit(opts.RatePerSec), burst)
	}
	return f
}

// Fetch 下载订阅文档。
// 连接失败、超时、非 2xx 状态码、内容过大均返回 NetworkError。
func (f *HTTPFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx); err != nil {
			return nil, apperr.NewNetworkError("等待拉取配额失败", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, apperr.NewNetworkError("创建请求失败", err)
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept-Encoding", "gzip, zstd")

	start := time.Now()
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, apperr.NewNetworkError("请求订阅失败", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// 读掉少量内容，便于连接复用
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, apperr.NewNetworkError(fmt.Sprintf("订阅服务器返回状态码 %d", resp.StatusCode), nil)
	}

	body, err := decodeBody(resp)
	if err != nil {
		return nil, apperr.NewNetworkError("解压订阅内容失败", err)
	}
	defer body.Close()

	data, err := io.ReadAll(io.LimitReader(body, MaxDocumentSize+1))
	if err != nil {
		return nil, apperr.NewNetworkError("读取订阅内容失败", err)
	}
	if len(data) > MaxDocumentSize {
		return nil, apperr.NewNetworkError(fmt.Sprintf("订阅内容超过 %d 字节", MaxDocumentSize), nil)
	}

	if f.log != nil {
		f.log.WithFields(logrus.Fields{
			"url":      url,
			"bytes":    len(data),
			"encoding": resp.Header.Get("Content-Encoding"),
			"elapsed":  time.Since(start).Round(time.Millisecond),
		}).Debug("订阅下载完成")
	}
	return data, nil
}

func decodeBody(resp *http.Response) (io.ReadCloser, error) {
	switch strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding"))) {
	case "", "identity":
		return io.NopCloser(resp.Body), nil
	case "gzip":
		return gzip.NewReader(resp.Body)
	case "zstd":
		decoder, err := zstd.NewReader(resp.Body)
		if err != nil {
			return nil, err
		}
		return decoder.IOReadCloser(), nil
	default:
		return nil, fmt.Errorf("不支持的内容编码: %s", resp.Header.Get("Content-Encoding"))
	}
}
