package utils

import (
	"net/url"
	"strings"

	"github.com/google/uuid"
)

// GenerateSubscriptionID 生成订阅唯一ID（随机 UUID）。
func GenerateSubscriptionID() string {
	return uuid.NewString()
}

// DefaultAlias 根据订阅来源生成默认显示名称。
// 优先使用 URL 的主机名，无法解析时退回完整地址。
func DefaultAlias(source string) string {
	u, err := url.Parse(strings.TrimSpace(source))
	if err != nil || u.Hostname() == "" {
		return strings.TrimSpace(source)
	}
	return u.Hostname()
}
