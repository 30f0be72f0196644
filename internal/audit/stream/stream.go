// Package stream mirrors audit entries onto Kafka so compliance and security
// consumers can tail the trail without touching the serving database.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"

	"matricula/internal/audit"
)

// Producer publishes audit entries to a single topic, keyed by identity so
// one identity's trail stays ordered within a partition.
type Producer struct {
	client *kgo.Client
	topic  string
}

// New connects to the brokers and ensures the audit topic exists.
func New(ctx context.Context, brokers []string, topic string) (*Producer, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(topic),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka client: %w", err)
	}
	if err := ensureTopic(ctx, client, topic); err != nil {
		client.Close()
		return nil, err
	}
	return &Producer{client: client, topic: topic}, nil
}

// ensureTopic creates the topic if missing. Already-exists is fine: another
// replica won the race or operations pre-provisioned it.
func ensureTopic(ctx context.Context, client *kgo.Client, topic string) error {
	adm := kadm.NewClient(client)
	resps, err := adm.CreateTopics(ctx, 3, 1, nil, topic)
	if err != nil {
		return fmt.Errorf("create audit topic: %w", err)
	}
	for _, resp := range resps {
		if resp.Err != nil && !errors.Is(resp.Err, kerr.TopicAlreadyExists) {
			return fmt.Errorf("create audit topic %s: %w", resp.Topic, resp.Err)
		}
	}
	return nil
}

// wireEntry is the JSON shape on the topic. Field names are stable API for
// downstream consumers.
type wireEntry struct {
	ID          string            `json:"id"`
	IdentityID  string            `json:"identity_id"`
	Action      string            `json:"action"`
	Result      string            `json:"result"`
	Details     map[string]string `json:"details,omitempty"`
	PerformedBy string            `json:"performed_by,omitempty"`
	OccurredAt  string            `json:"occurred_at"`
}

// Publish produces one entry synchronously. Callers treat failures as
// ops-grade (log and continue); the database append is the source of truth.
func (p *Producer) Publish(ctx context.Context, entry audit.Entry) error {
	payload, err := json.Marshal(wireEntry{
		ID:          entry.ID.String(),
		IdentityID:  entry.IdentityID.String(),
		Action:      string(entry.Action),
		Result:      string(entry.Result),
		Details:     entry.Details,
		PerformedBy: entry.PerformedBy,
		OccurredAt:  entry.OccurredAt.Format(time.RFC3339Nano),
	})
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}
	record := &kgo.Record{
		Topic: p.topic,
		Key:   []byte(entry.IdentityID.String()),
		Value: payload,
	}
	if err := p.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("produce audit entry: %w", err)
	}
	return nil
}

// Close flushes and releases the Kafka client.
func (p *Producer) Close() {
	p.client.Close()
}
