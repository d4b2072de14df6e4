package error

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAppErrorIsMatchesByCode(t *testing.T) {
	err := fmt.Errorf("订阅管理: 更新失败: %w", NewNetworkError("HTTP 500", nil))

	assert.True(t, errors.Is(err, ErrNetwork))
	assert.False(t, errors.Is(err, ErrParse))
	assert.Equal(t, CodeNetwork, CodeOf(err))
	assert.True(t, IsRetryable(err))
}

func TestAppErrorUnwrapKeepsCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := NewNetworkError("获取订阅失败", cause)

	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "[NetworkError] 获取订阅失败: connection refused", err.Error())
}

func TestCodeOf(t *testing.T) {
	assert.Equal(t, Code(""), CodeOf(nil))
	assert.Equal(t, CodeUnknown, CodeOf(errors.New("plain")))
	assert.Equal(t, CodeNotFound, CodeOf(NewNotFoundError("abc")))
	assert.False(t, IsRetryable(NewParseError("bad yaml", nil)))
}
