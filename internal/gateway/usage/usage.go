// Package usage emits fire-and-forget dispatch events for the analytics
// layer. The gateway only produces events; it never consumes anything back.
package usage

import (
	"context"
	"database/sql"
	"time"

	"github.com/rs/zerolog"
)

// Event describes one dispatch through the gateway.
type Event struct {
	CallerID     string
	Provider     string
	Model        string
	InputSize    int
	OutputSize   int
	Success      bool
	Latency      time.Duration
	CacheHit     bool
	FailoverUsed bool
}

// Sink receives usage events. Implementations must tolerate being called
// from short-lived goroutines after the originating request has finished.
type Sink interface {
	Record(ctx context.Context, ev Event)
}

// LogSink writes events to the structured log.
type LogSink struct {
	log zerolog.Logger
}

func NewLogSink(log zerolog.Logger) *LogSink {
	return &LogSink{log: log.With().Str("component", "usage").Logger()}
}

func (s *LogSink) Record(ctx context.Context, ev Event) {
	s.log.Info().
		Str("caller_id", ev.CallerID).
		Str("provider", ev.Provider).
		Str("model", ev.Model).
		Int("input_size", ev.InputSize).
		Int("output_size", ev.OutputSize).
		Bool("success", ev.Success).
		Bool("cache_hit", ev.CacheHit).
		Bool("failover_used", ev.FailoverUsed).
		Dur("latency", ev.Latency).
		Msg("dispatch")
}

// PostgresSink inserts events into the gateway_usage table.
type PostgresSink struct {
	conn *sql.DB
	log  zerolog.Logger
}

func NewPostgresSink(conn *sql.DB, log zerolog.Logger) *PostgresSink {
	return &PostgresSink{conn: conn, log: log.With().Str("component", "usage").Logger()}
}

func (s *PostgresSink) Record(ctx context.Context, ev Event) {
	query := `
		INSERT INTO gateway_usage (
			caller_id, provider, model, input_size, output_size,
			success, latency_ms, cache_hit, failover_used
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := s.conn.ExecContext(ctx, query,
		ev.CallerID,
		ev.Provider,
		ev.Model,
		ev.InputSize,
		ev.OutputSize,
		ev.Success,
		ev.Latency.Milliseconds(),
		ev.CacheHit,
		ev.FailoverUsed,
	)
	if err != nil {
		s.log.Warn().Err(err).Msg("failed to record usage event")
	}
}

// MultiSink fans out to several sinks.
type MultiSink []Sink

func (m MultiSink) Record(ctx context.Context, ev Event) {
	for _, s := range m {
		s.Record(ctx, ev)
	}
}
