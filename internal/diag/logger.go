package diag

import (
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger 为结构化事件日志器：基于 zap 输出单行 JSON。
// 事件字段：comp/stage/code/dur_ms/count/unit_id/chunk_id/kv，全局附带 corr_id。
type Logger struct {
	z    *zap.Logger
	sink *RotatingFile
}

// NewLogger 按 level 初始化；dir 非空时写入 dir 下按 10MiB 轮转的文件，否则写 stderr。
func NewLogger(corrID, level, dir string) *Logger {
	lvl := parseLevel(level)
	enc := zap.NewProductionEncoderConfig()
	enc.TimeKey = "ts"
	enc.EncodeTime = func(t time.Time, pae zapcore.PrimitiveArrayEncoder) {
		pae.AppendString(t.UTC().Format(time.RFC3339))
	}
	var ws zapcore.WriteSyncer
	var sink *RotatingFile
	if strings.TrimSpace(dir) != "" {
		sink = NewRotatingFile(dir, 10*1024*1024)
		ws = sink
	} else {
		ws = zapcore.Lock(os.Stderr)
	}
	core := zapcore.NewCore(zapcore.NewJSONEncoder(enc), ws, lvl)
	z := zap.New(core).With(zap.String("corr_id", corrID))
	return &Logger{z: z, sink: sink}
}

// NewNop 返回丢弃全部事件的日志器（测试用）。
func NewNop() *Logger { return &Logger{z: zap.NewNop()} }

// FromZap 包装外部 zap.Logger。
func FromZap(z *zap.Logger) *Logger {
	if z == nil {
		z = zap.NewNop()
	}
	return &Logger{z: z}
}

func parseLevel(s string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// Zap 暴露底层 zap.Logger。
func (l *Logger) Zap() *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l.z
}

// Close 刷新缓冲并关闭轮转文件。
func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	_ = l.z.Sync()
	if l.sink != nil {
		return l.sink.Close()
	}
	return nil
}

func (l *Logger) log(lv zapcore.Level, msg string, fields ...zap.Field) {
	if l == nil || l.z == nil {
		return
	}
	if ce := l.z.Check(lv, msg); ce != nil {
		ce.Write(fields...)
	}
}

func ids(unitID, chunkID string) []zap.Field {
	var fs []zap.Field
	if unitID != "" {
		fs = append(fs, zap.String("unit_id", unitID))
	}
	if chunkID != "" {
		fs = append(fs, zap.String("chunk_id", chunkID))
	}
	return fs
}

func kvField(kv map[string]string) []zap.Field {
	if len(kv) == 0 {
		return nil
	}
	return []zap.Field{zap.Any("kv", kv)}
}

// Start 记录 start 事件；返回计时器用于 Finish。
func (l *Logger) Start(comp, msg string) *Timer {
	return l.StartWith(comp, msg, "", "")
}

// StartWith 记录带 unit_id/chunk_id 的 start。
func (l *Logger) StartWith(comp, msg, unitID, chunkID string) *Timer {
	fs := append([]zap.Field{zap.String("comp", comp), zap.String("stage", "start")}, ids(unitID, chunkID)...)
	l.log(zapcore.InfoLevel, msg, fs...)
	return &Timer{l: l, comp: comp, unitID: unitID, chunkID: chunkID, t0: time.Now()}
}

// Info 记录一般事件。
func (l *Logger) Info(comp, msg string, kv map[string]string) {
	fs := append([]zap.Field{zap.String("comp", comp), zap.String("stage", "info")}, kvField(kv)...)
	l.log(zapcore.InfoLevel, msg, fs...)
}

// Warn 记录告警（如超预算单条块、丢弃的越界 ID）。
func (l *Logger) Warn(comp, msg, unitID string, kv map[string]string) {
	fs := append([]zap.Field{zap.String("comp", comp), zap.String("stage", "warn")}, ids(unitID, "")...)
	fs = append(fs, kvField(kv)...)
	l.log(zapcore.WarnLevel, msg, fs...)
}

// ErrorWith 记录 error 事件。
func (l *Logger) ErrorWith(comp string, code Code, msg string, durSince *time.Time, unitID, chunkID string) {
	l.ErrorWithKV(comp, code, msg, durSince, unitID, chunkID, nil)
}

// ErrorWithKV 支持附带键值对（例如 HTTP 状态码、上游错误片段）。
func (l *Logger) ErrorWithKV(comp string, code Code, msg string, durSince *time.Time, unitID, chunkID string, kv map[string]string) {
	fs := []zap.Field{zap.String("comp", comp), zap.String("stage", "error"), zap.String("code", string(code))}
	if durSince != nil {
		fs = append(fs, zap.Int64("dur_ms", time.Since(*durSince).Milliseconds()))
	}
	fs = append(fs, ids(unitID, chunkID)...)
	fs = append(fs, kvField(kv)...)
	l.log(zapcore.ErrorLevel, msg, fs...)
}

// InfoFinish 在已有起点的情况下记录 finish。
func (l *Logger) InfoFinish(comp, msg string, start time.Time, count int64) {
	l.log(zapcore.InfoLevel, msg, zap.String("comp", comp), zap.String("stage", "finish"),
		zap.Int64("dur_ms", time.Since(start).Milliseconds()), zap.Int64("count", count))
}

// DebugStart 输出调试级别的 start 类事件。
func (l *Logger) DebugStart(comp, msg, unitID, chunkID string, kv map[string]string) {
	fs := append([]zap.Field{zap.String("comp", comp), zap.String("stage", "start")}, ids(unitID, chunkID)...)
	fs = append(fs, kvField(kv)...)
	l.log(zapcore.DebugLevel, msg, fs...)
}

// Timer 用于 start→finish 计时。
type Timer struct {
	l       *Logger
	comp    string
	unitID  string
	chunkID string
	t0      time.Time
}

// Finish 记录 finish；可选 count。
func (t *Timer) Finish(msg string, count int64) {
	if t == nil || t.l == nil {
		return
	}
	fs := []zap.Field{zap.String("comp", t.comp), zap.String("stage", "finish"),
		zap.Int64("dur_ms", time.Since(t.t0).Milliseconds()), zap.Int64("count", count)}
	fs = append(fs, ids(t.unitID, t.chunkID)...)
	t.l.log(zapcore.InfoLevel, msg, fs...)
}
