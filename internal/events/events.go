package events

import (
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/example/apigateway/internal/config"
)

// Event is the structured record emitted once per request. It carries what
// the external diagnostics/log-export collaborator needs: the resolved
// identifiers, the outcome, and the latency.
type Event struct {
	RequestID   string
	Method      string
	Path        string
	APIName     string
	OperationID string
	BackendID   string
	Status      int
	Outcome     string // "ok" or the error kind
	ClientIP    string
	Latency     time.Duration
}

// Emitter writes request events. Events always go to the process logger;
// when a request log file is configured they are additionally written as
// JSON lines with size-based rotation.
type Emitter struct {
	logger *zap.Logger
	file   *zap.Logger
	sink   *lumberjack.Logger
}

// NewEmitter creates an emitter. cfg.File empty disables the file sink.
func NewEmitter(logger *zap.Logger, cfg config.RequestLogConfig) *Emitter {
	e := &Emitter{logger: logger}

	if cfg.File != "" {
		e.sink = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}

		encCfg := zap.NewProductionEncoderConfig()
		encCfg.TimeKey = "timestamp"
		encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		core := zapcore.NewCore(
			zapcore.NewJSONEncoder(encCfg),
			zapcore.AddSync(e.sink),
			zapcore.InfoLevel,
		)
		e.file = zap.New(core)
	}

	return e
}

// Emit records one request event.
func (e *Emitter) Emit(ev Event) {
	fields := []zap.Field{
		zap.String("request_id", ev.RequestID),
		zap.String("method", ev.Method),
		zap.String("path", ev.Path),
		zap.String("api", ev.APIName),
		zap.String("operation", ev.OperationID),
		zap.String("backend", ev.BackendID),
		zap.Int("status", ev.Status),
		zap.String("outcome", ev.Outcome),
		zap.String("client_ip", ev.ClientIP),
		zap.Duration("latency", ev.Latency),
	}

	e.logger.Info("request", fields...)
	if e.file != nil {
		e.file.Info("request", fields...)
	}
}

// Close flushes and closes the file sink.
func (e *Emitter) Close() error {
	if e.file != nil {
		e.file.Sync()
	}
	if e.sink != nil {
		return e.sink.Close()
	}
	return nil
}
