package logger

import (
	"fmt"
	"os"
	"sort"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger 在 zap 之上提供按事件类别的结构化日志（订单、成交、风控、策略运行、券商）。
type Logger struct {
	*zap.Logger
	config Config
}

// Config 日志配置
type Config struct {
	Level      string   `yaml:"level"`       // debug, info, warn, error
	Outputs    []string `yaml:"outputs"`     // stdout, file
	OutputFile string   `yaml:"output_file"` // 日志文件路径
	ErrorFile  string   `yaml:"error_file"`  // 错误日志单独文件
	Format     string   `yaml:"format"`      // json 或 console
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		Level:   "info",
		Outputs: []string{"stdout"},
		Format:  "json",
	}
}

// New 创建新的Logger实例
func New(cfg Config) (*Logger, error) {
	if cfg.Level == "" {
		cfg.Level = "info"
	}
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %s: %w", cfg.Level, err)
	}

	encCfg := zap.NewProductionEncoderConfig()
	if cfg.Format == "console" {
		encCfg = zap.NewDevelopmentEncoderConfig()
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	newEncoder := func(console bool) zapcore.Encoder {
		if console {
			return zapcore.NewConsoleEncoder(encCfg)
		}
		return zapcore.NewJSONEncoder(encCfg)
	}

	var cores []zapcore.Core
	if len(cfg.Outputs) == 0 || contains(cfg.Outputs, "stdout") {
		cores = append(cores, zapcore.NewCore(newEncoder(cfg.Format == "console"), zapcore.AddSync(os.Stdout), level))
	}
	if contains(cfg.Outputs, "file") && cfg.OutputFile != "" {
		w, err := openAppend(cfg.OutputFile)
		if err != nil {
			return nil, err
		}
		cores = append(cores, zapcore.NewCore(newEncoder(false), w, level))
	}
	// 错误日志单独文件
	if cfg.ErrorFile != "" {
		w, err := openAppend(cfg.ErrorFile)
		if err != nil {
			return nil, err
		}
		cores = append(cores, zapcore.NewCore(newEncoder(false), w, zapcore.ErrorLevel))
	}

	zl := zap.New(zapcore.NewTee(cores...), zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
	return &Logger{Logger: zl, config: cfg}, nil
}

// NewNop 丢弃所有输出，测试用。
func NewNop() *Logger {
	return &Logger{Logger: zap.NewNop(), config: DefaultConfig()}
}

// Wrap 包装已有的 zap.Logger。
func Wrap(zl *zap.Logger) *Logger {
	if zl == nil {
		zl = zap.NewNop()
	}
	return &Logger{Logger: zl, config: DefaultConfig()}
}

func openAppend(path string) (zapcore.WriteSyncer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open log file %s failed: %w", path, err)
	}
	return zapcore.AddSync(f), nil
}

// WithFields 添加字段返回新的logger
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	return &Logger{Logger: l.Logger.With(toZap(fields)...), config: l.config}
}

// Named 返回带组件名的子 logger。
func (l *Logger) Named(component string) *Logger {
	return &Logger{Logger: l.Logger.Named(component), config: l.config}
}

// LogOrder 记录订单生命周期事件
func (l *Logger) LogOrder(event string, orderID string, fields map[string]interface{}) {
	l.emit(zapcore.InfoLevel, "order_event", event, append(toZap(fields), zap.String("order_id", orderID)))
}

// LogTrade 记录成交
func (l *Logger) LogTrade(event string, fields map[string]interface{}) {
	l.emit(zapcore.InfoLevel, "trade_event", event, toZap(fields))
}

// LogRisk 记录风控拒绝与对账冲突
func (l *Logger) LogRisk(event string, fields map[string]interface{}) {
	l.emit(zapcore.WarnLevel, "risk_event", event, toZap(fields))
}

// LogRun 记录策略运行的启停与故障
func (l *Logger) LogRun(event string, runID string, fields map[string]interface{}) {
	l.emit(zapcore.InfoLevel, "run_event", event, append(toZap(fields), zap.String("run_id", runID)))
}

// LogError 记录错误并附带上下文
func (l *Logger) LogError(err error, context map[string]interface{}) {
	l.emit(zapcore.ErrorLevel, "error_event", "", append(toZap(context), zap.Error(err)))
}

func (l *Logger) emit(level zapcore.Level, msg, event string, fields []zap.Field) {
	if l == nil || l.Logger == nil {
		return
	}
	if event != "" {
		fields = append(fields, zap.String("event", event))
	}
	fields = append(fields, zap.String("ts", time.Now().UTC().Format(time.RFC3339Nano)))
	if ce := l.Check(level, msg); ce != nil {
		ce.Write(fields...)
	}
}

// Close 关闭日志器
func (l *Logger) Close() error {
	return l.Sync()
}

// toZap 按 key 排序，保证输出稳定。
func toZap(fields map[string]interface{}) []zap.Field {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]zap.Field, 0, len(keys)+3)
	for _, k := range keys {
		out = append(out, zap.Any(k, fields[k]))
	}
	return out
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
