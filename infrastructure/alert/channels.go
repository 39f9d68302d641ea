package alert

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"algo-trader-go/infrastructure/logger"
)

// LogChannel 通过结构化日志输出告警，WARNING 以上写 warn/error 级别。
type LogChannel struct {
	logger *logger.Logger
	name   string
}

// NewLogChannel 创建日志告警通道
func NewLogChannel(name string, lg *logger.Logger) *LogChannel {
	if lg == nil {
		lg = logger.NewNop()
	}
	return &LogChannel{logger: lg, name: name}
}

// Send 发送告警到日志
func (c *LogChannel) Send(alert Alert) error {
	level := zapcore.InfoLevel
	switch alert.Level {
	case LevelWarning:
		level = zapcore.WarnLevel
	case LevelError, LevelCritical:
		level = zapcore.ErrorLevel
	}
	ce := c.logger.Check(level, "alert")
	if ce == nil {
		return nil
	}
	fields := make([]zap.Field, 0, len(alert.Fields)+3)
	fields = append(fields,
		zap.String("level", string(alert.Level)),
		zap.String("message", alert.Message),
		zap.Time("alert_ts", alert.Timestamp))
	for k, v := range alert.Fields {
		fields = append(fields, zap.Any(k, v))
	}
	ce.Write(fields...)
	return nil
}

// Name 返回通道名称
func (c *LogChannel) Name() string {
	return c.name
}
