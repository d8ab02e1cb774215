package output

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/spherical/vuln-extractor/internal/domain"
)

// Publisher is the subset of the Redis client used for fan-out.
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// Message is the payload published for every snapshot.
type Message struct {
	ReportID        string                       `json:"reportId"`
	Kind            domain.SnapshotKind          `json:"kind"`
	Count           int                          `json:"count"`
	Vulnerabilities []domain.VulnerabilityRecord `json:"vulnerabilities"`
	Meta            any                          `json:"meta"`
}

// RedisSink publishes snapshots to a per-report channel so other processes
// can follow a run live.
type RedisSink struct {
	client   Publisher
	channel  string
	reportID string
	closer   func() error
}

// NewRedisSink wraps an existing publisher.
func NewRedisSink(client Publisher, prefix, reportID string) *RedisSink {
	return &RedisSink{
		client:   client,
		channel:  prefix + reportID,
		reportID: reportID,
	}
}

// DialRedisSink connects to redisURL and verifies the connection.
func DialRedisSink(ctx context.Context, redisURL, prefix, reportID string) (*RedisSink, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, domain.ConfigError("invalid REDIS_URL", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, domain.IOError("redis ping failed", err)
	}

	sink := NewRedisSink(client, prefix, reportID)
	sink.closer = client.Close
	return sink, nil
}

// Channel returns the channel snapshots are published on.
func (s *RedisSink) Channel() string {
	return s.channel
}

// Publish implements domain.ProgressSink.
func (s *RedisSink) Publish(ctx context.Context, kind domain.SnapshotKind, items []domain.VulnerabilityRecord, meta any) error {
	if items == nil {
		items = []domain.VulnerabilityRecord{}
	}
	data, err := json.Marshal(Message{
		ReportID:        s.reportID,
		Kind:            kind,
		Count:           len(items),
		Vulnerabilities: items,
		Meta:            meta,
	})
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := s.client.Publish(ctx, s.channel, data).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// Close releases the connection when the sink owns it.
func (s *RedisSink) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}
