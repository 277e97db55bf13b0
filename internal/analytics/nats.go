package analytics

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/nats-io/nats.go"

	"github.com/hanashi-ai/hanashi/internal/model"
)

// SubjectPrefix is the root of the export subject hierarchy. Exports
// are partitioned by end date: hanashi.exports.<yyyy>.<mm>.<dd>.
const SubjectPrefix = "hanashi.exports"

const (
	headerSessionID = "Hanashi-Session-Id"
	headerEncoding  = "Content-Encoding"
)

// NATSConfig holds broker connection settings.
type NATSConfig struct {
	URL     string
	Name    string // connection name shown in broker monitoring
	Timeout time.Duration
}

// NATSSink publishes gzipped JSON exports to a NATS subject partitioned
// by session end date, so downstream consumers can subscribe to a day
// at a time.
type NATSSink struct {
	conn *nats.Conn
}

// NewNATSSink connects to the broker. The connection retries forever in
// the background once established, so a broker blip does not kill the
// sink.
func NewNATSSink(cfg NATSConfig) (*NATSSink, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Name == "" {
		cfg.Name = "hanashi"
	}
	conn, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.Timeout(cfg.Timeout),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("analytics: connect to nats: %w", err)
	}
	return &NATSSink{conn: conn}, nil
}

// Publish implements Sink.
func (s *NATSSink) Publish(_ context.Context, export model.SessionExport) error {
	subject, payload, err := encodeExport(export)
	if err != nil {
		return err
	}

	msg := nats.NewMsg(subject)
	msg.Data = payload
	msg.Header.Set(headerSessionID, export.SessionID)
	msg.Header.Set(headerEncoding, "gzip")

	if err := s.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("analytics: publish export %s: %w", export.SessionID, err)
	}
	return nil
}

// Close drains in-flight publishes before disconnecting.
func (s *NATSSink) Close() error {
	if err := s.conn.Drain(); err != nil {
		return fmt.Errorf("analytics: drain nats connection: %w", err)
	}
	return nil
}

// encodeExport serializes an export to its subject and gzipped JSON
// body. The subject partitions by the session's end date in UTC.
func encodeExport(export model.SessionExport) (string, []byte, error) {
	raw, err := json.Marshal(export)
	if err != nil {
		return "", nil, fmt.Errorf("analytics: marshal export %s: %w", export.SessionID, err)
	}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return "", nil, fmt.Errorf("analytics: compress export %s: %w", export.SessionID, err)
	}
	if err := zw.Close(); err != nil {
		return "", nil, fmt.Errorf("analytics: compress export %s: %w", export.SessionID, err)
	}

	day := export.EndedAt.UTC()
	subject := fmt.Sprintf("%s.%04d.%02d.%02d", SubjectPrefix, day.Year(), day.Month(), day.Day())
	return subject, buf.Bytes(), nil
}
