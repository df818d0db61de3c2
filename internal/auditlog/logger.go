package auditlog

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Logger buffers entries in a channel and writes them in batches, either
// when BatchFlushThreshold entries are pending or every FlushInterval.
type Logger struct {
	store     LogStore
	config    Config
	buffer    chan *LogEntry
	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

// NewLogger starts the background flush loop over store.
func NewLogger(store LogStore, cfg Config) *Logger {
	defaults := DefaultConfig()
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaults.BufferSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = defaults.FlushInterval
	}

	l := &Logger{
		store:  store,
		config: cfg,
		buffer: make(chan *LogEntry, cfg.BufferSize),
		done:   make(chan struct{}),
	}

	l.wg.Add(1)
	go l.flushLoop()

	return l
}

// Write queues entry without blocking. A full buffer drops the entry.
// Write must not be called after Close.
func (l *Logger) Write(entry *LogEntry) {
	if entry == nil {
		return
	}

	select {
	case l.buffer <- entry:
	default:
		requestID := entry.RequestID
		if requestID == "" {
			requestID = "unknown"
		}
		slog.Warn("audit log buffer full, dropping entry",
			"request_id", requestID,
			"route", entry.Route,
		)
	}
}

func (l *Logger) Config() Config {
	return l.config
}

// Close drains the buffer, writes what is left and closes the store.
// Safe to call multiple times.
func (l *Logger) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
		l.wg.Wait()
		l.closeErr = l.store.Close()
	})
	return l.closeErr
}

func (l *Logger) flushLoop() {
	defer l.wg.Done()

	ticker := time.NewTicker(l.config.FlushInterval)
	defer ticker.Stop()

	batch := make([]*LogEntry, 0, BatchFlushThreshold)

	for {
		select {
		case entry := <-l.buffer:
			batch = append(batch, entry)
			if len(batch) >= BatchFlushThreshold {
				l.flushBatch(batch)
				batch = make([]*LogEntry, 0, BatchFlushThreshold)
			}

		case <-ticker.C:
			if len(batch) > 0 {
				l.flushBatch(batch)
				batch = make([]*LogEntry, 0, BatchFlushThreshold)
			}

		case <-l.done:
			batch = l.drain(batch)
			if len(batch) > 0 {
				l.flushBatch(batch)
			}
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := l.store.Flush(ctx); err != nil {
				slog.Error("failed to flush audit log store", "error", err)
			}
			cancel()
			return
		}
	}
}

// drain appends whatever is still queued. Writers have stopped by now.
func (l *Logger) drain(batch []*LogEntry) []*LogEntry {
	for {
		select {
		case entry := <-l.buffer:
			batch = append(batch, entry)
		default:
			return batch
		}
	}
}

func (l *Logger) flushBatch(batch []*LogEntry) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := l.store.WriteBatch(ctx, batch); err != nil {
		slog.Error("failed to write audit log batch",
			"error", err,
			"count", len(batch),
		)
	}
}

// NoopLogger is used when audit logging is disabled.
type NoopLogger struct{}

func (l *NoopLogger) Write(_ *LogEntry) {}

func (l *NoopLogger) Config() Config {
	return Config{Enabled: false}
}

func (l *NoopLogger) Close() error {
	return nil
}

// LoggerInterface is satisfied by Logger and NoopLogger.
type LoggerInterface interface {
	Write(entry *LogEntry)
	Config() Config
	Close() error
}
