package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// LogType 日志类型
type LogType string

const (
	// LogTypeApp 应用程序日志
	LogTypeApp LogType = "app"
	// LogTypeTunnel 隧道（xray-core）日志
	LogTypeTunnel LogType = "tunnel"
)

// typeField 日志类型字段名
const typeField = "type"

// LogPanelCallback 日志面板回调函数类型
// 当有新日志写入时，会调用此回调（例如控制 API 的日志订阅者）
type LogPanelCallback func(level, logType, message, logLine string)

const (
	// MaxLogFileSize 单个日志文件最大大小（10MB）
	MaxLogFileSize int64 = 10 * 1024 * 1024
)

// Logger 日志记录器
// 底层使用 logrus，负责统一管理日志文件写入、控制台输出和回调通知
type Logger struct {
	logger        *logrus.Logger
	file          *os.File
	console       bool
	mutex         sync.Mutex
	logFilePath   string
	logDir        string
	written       int64
	panelCallback LogPanelCallback
}

// NewLogger 创建新的日志记录器
// 参数：
//   - logFilePath: 日志文件路径（为空时只输出到控制台）
//   - console: 是否输出到控制台
//   - level: 日志级别
//   - panelCallback: 回调函数（可选）
func NewLogger(logFilePath string, console bool, level string, panelCallback ...LogPanelCallback) (*Logger, error) {
	logLevel, err := parseLogLevel(level)
	if err != nil {
		return nil, err
	}

	l := &Logger{
		logger:  logrus.New(),
		console: console,
	}
	if len(panelCallback) > 0 && panelCallback[0] != nil {
		l.panelCallback = panelCallback[0]
	}

	if logFilePath != "" {
		// 如果路径没有扩展名，添加 .log
		if filepath.Ext(logFilePath) == "" {
			logFilePath = logFilePath + ".log"
		}
		l.logFilePath = logFilePath
		l.logDir = filepath.Dir(logFilePath)

		if err := os.MkdirAll(l.logDir, 0755); err != nil {
			return nil, fmt.Errorf("创建日志目录失败: %w", err)
		}
		// 启动时如果日志文件存在则归档
		if err := archive(logFilePath, 1); err != nil {
			return nil, fmt.Errorf("归档日志文件失败: %w", err)
		}
		file, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("打开日志文件失败: %w", err)
		}
		l.file = file
	}

	l.logger.SetLevel(logLevel)
	l.logger.SetFormatter(&logrus.TextFormatter{
		DisableColors:   true,
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})
	l.logger.SetOutput(l)
	l.logger.AddHook(&panelHook{owner: l})

	return l, nil
}

// NewNopLogger 返回丢弃所有输出的 logrus 实例，供测试和未配置日志的组件使用。
func NewNopLogger() *logrus.Logger {
	lg := logrus.New()
	lg.SetOutput(io.Discard)
	return lg
}

// Write 实现 io.Writer，logrus 格式化后的每一行都会经过这里
func (l *Logger) Write(p []byte) (int, error) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	if l.console {
		os.Stdout.Write(p)
	}
	if l.file == nil {
		return len(p), nil
	}
	if l.written+int64(len(p)) > MaxLogFileSize {
		l.rotateLocked()
	}
	n, err := l.file.Write(p)
	if err != nil {
		// 写入失败时重新打开文件再试一次
		l.reopenFileLocked()
		if l.file != nil {
			n, err = l.file.Write(p)
		}
	}
	l.written += int64(n)
	return len(p), nil
}

// archive 如果日志文件大小不小于 minSize 则重命名为带时间戳的归档文件
func archive(logPath string, minSize int64) error {
	fileInfo, err := os.Stat(logPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if fileInfo.Size() < minSize {
		return nil
	}
	backupPath := fmt.Sprintf("%s.%s", logPath, time.Now().Format("20060102_150405.000"))
	if err := os.Rename(logPath, backupPath); err != nil {
		return fmt.Errorf("归档日志文件失败: %w", err)
	}
	return nil
}

// rotateLocked 文件超过阈值时归档并重新打开（调用方持有锁）
func (l *Logger) rotateLocked() {
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
	_ = archive(l.logFilePath, 1)
	l.reopenFileLocked()
	l.written = 0
}

// reopenFileLocked 重新打开日志文件
func (l *Logger) reopenFileLocked() {
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
	newFile, err := os.OpenFile(l.logFilePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err == nil {
		l.file = newFile
	}
}

// parseLogLevel 解析日志级别字符串，空字符串视为 info
func parseLogLevel(level string) (logrus.Level, error) {
	level = strings.ToLower(strings.TrimSpace(level))
	if level == "" {
		return logrus.InfoLevel, nil
	}
	lv, err := logrus.ParseLevel(level)
	if err != nil {
		return logrus.InfoLevel, fmt.Errorf("无效的日志级别: %s", level)
	}
	return lv, nil
}

// WithType 返回带日志类型字段的 entry
func (l *Logger) WithType(logType LogType) *logrus.Entry {
	return l.logger.WithField(typeField, string(logType))
}

// GetLogLevel 获取当前日志级别
func (l *Logger) GetLogLevel() string {
	return l.logger.GetLevel().String()
}

// SetLogLevel 设置日志级别，无效级别会被忽略
func (l *Logger) SetLogLevel(level string) {
	if lv, err := parseLogLevel(level); err == nil {
		l.logger.SetLevel(lv)
	}
}

// GetLogFilePath 获取日志文件路径
func (l *Logger) GetLogFilePath() string {
	return l.logFilePath
}

// Close 关闭日志记录器
func (l *Logger) Close() {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
}

// panelHook 把每条日志转发给回调
type panelHook struct {
	owner *Logger
}

func (h *panelHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *panelHook) Fire(entry *logrus.Entry) error {
	h.owner.mutex.Lock()
	cb := h.owner.panelCallback
	h.owner.mutex.Unlock()
	if cb == nil {
		return nil
	}
	logType, _ := entry.Data[typeField].(string)
	if logType == "" {
		logType = string(LogTypeApp)
	}
	line := fmt.Sprintf("%s [%s] [%s] %s",
		entry.Time.Format("2006-01-02 15:04:05"), strings.ToUpper(entry.Level.String()), logType, entry.Message)
	cb(strings.ToUpper(entry.Level.String()), logType, entry.Message, line)
	return nil
}
