package api

import (
	"net/http"
	"strconv"
	"sync"
)

// LogLine 一条日志
type LogLine struct {
	Level   string `json:"level"`
	Type    string `json:"type"`
	Message string `json:"message"`
	Line    string `json:"line"`
}

// LogBuffer 保存最近的日志，供 GET /logs 查看。
// Add 的签名与 logging.LogPanelCallback 一致，可直接作为日志回调。
type LogBuffer struct {
	mu    sync.Mutex
	lines []LogLine
	next  int
	full  bool
}

// NewLogBuffer 创建容量为 size 的日志缓冲。
func NewLogBuffer(size int) *LogBuffer {
	if size <= 0 {
		size = 1
	}
	return &LogBuffer{lines: make([]LogLine, size)}
}

// Add 追加一条日志，超出容量时覆盖最旧的一条。
func (b *LogBuffer) Add(level, logType, message, logLine string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lines[b.next] = LogLine{Level: level, Type: logType, Message: message, Line: logLine}
	b.next = (b.next + 1) % len(b.lines)
	if b.next == 0 {
		b.full = true
	}
}

// Recent 返回最近 n 条日志，按时间先后排列；n <= 0 返回全部。
func (b *LogBuffer) Recent(n int) []LogLine {
	b.mu.Lock()
	defer b.mu.Unlock()

	var ordered []LogLine
	if b.full {
		ordered = append(ordered, b.lines[b.next:]...)
	}
	ordered = append(ordered, b.lines[:b.next]...)
	if n > 0 && n < len(ordered) {
		ordered = ordered[len(ordered)-n:]
	}
	return ordered
}

// GetLogs GET /logs?n=100
func (h *Handlers) GetLogs(w http.ResponseWriter, r *http.Request) {
	n, _ := strconv.Atoi(r.URL.Query().Get("n"))
	lines := h.logs.Recent(n)
	if lines == nil {
		lines = []LogLine{}
	}
	writeJSON(w, http.StatusOK, lines)
}
