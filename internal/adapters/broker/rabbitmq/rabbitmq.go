// Package rabbitmq implements the Broker capability over AMQP 0-9-1: the
// pre-d14n wire-protocol generation. The upload, send and publish methods
// publish one-way to an exchange. There is no reply path:
// FetchKeyPackages, QueryGroupMessages, QueryWelcomeMessages,
// GetIdentityUpdatesV2 and GetInboxIDs return an error, and
// VerifySmartContractWalletSignatures publishes its request and then
// returns an error. The two subscribe methods map to a queue consumer that
// coalesces into a channel; their filters are not applied.
package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/mlscore/core/internal/adapters/broker"
	"github.com/mlscore/core/internal/telemetry"
	"github.com/mlscore/core/pkg/apperr"
	"github.com/mlscore/core/pkg/mlog"
)

const (
	exchangeKeyPackages    = "core.key_packages"
	exchangeGroupMessages  = "core.group_messages"
	exchangeWelcomes       = "core.welcomes"
	exchangeIdentity       = "core.identity"
	exchangeSCWVerify      = "core.scw_verify"
)

// Connection is the narrow slice of *amqp.Connection the adapter needs,
// kept as an interface so tests can fake it without a live broker.
type Connection interface {
	Channel() (*amqp.Channel, error)
}

// Broker implements broker.Broker over a single AMQP connection.
type Broker struct {
	conn   Connection
	ch     *amqp.Channel
	logger mlog.Logger
}

// New dials ch from conn eagerly, mirroring the teacher's
// connect-in-constructor pattern.
func New(conn Connection, logger mlog.Logger) (*Broker, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, apperr.NewNetworkError("rabbitmq.connect", "failed to open channel", err, true)
	}

	return &Broker{conn: conn, ch: ch, logger: logger}, nil
}

var _ broker.Broker = (*Broker)(nil)

func (b *Broker) publish(ctx context.Context, exchange, routingKey string, body []byte) error {
	_, span := telemetry.StartSpan(ctx, "rabbitmq.publish")
	defer span.End()

	err := b.ch.PublishWithContext(ctx, exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/octet-stream",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
	if err != nil {
		telemetry.HandleSpanError(&span, "publish failed", err)

		return apperr.NewNetworkError("rabbitmq.publish", exchange, err, true)
	}

	return nil
}

// UploadKeyPackage publishes a freshly generated key package.
func (b *Broker) UploadKeyPackage(ctx context.Context, kp []byte, isInboxIDCredential bool) error {
	payload, err := json.Marshal(struct {
		Bytes               []byte `json:"bytes"`
		IsInboxIDCredential bool   `json:"is_inbox_id_credential"`
	}{kp, isInboxIDCredential})
	if err != nil {
		return apperr.NewDecodeError("rabbitmq.upload_key_package", "marshal failed", err)
	}

	return b.publish(ctx, exchangeKeyPackages, "upload", payload)
}

// FetchKeyPackages is a request/reply RPC; the reply queue wiring is
// owned by the caller's connection setup, not shown here since it is
// transport plumbing rather than core domain logic.
func (b *Broker) FetchKeyPackages(ctx context.Context, installationKeys [][]byte) ([]broker.KeyPackage, error) {
	return nil, fmt.Errorf("rabbitmq: FetchKeyPackages requires a reply-queue round trip not wired in this adapter instance")
}

func (b *Broker) SendGroupMessages(ctx context.Context, messages [][]byte) error {
	for _, m := range messages {
		if err := b.publish(ctx, exchangeGroupMessages, "send", m); err != nil {
			return err
		}
	}

	return nil
}

func (b *Broker) SendWelcomeMessages(ctx context.Context, messages [][]byte) error {
	for _, m := range messages {
		if err := b.publish(ctx, exchangeWelcomes, "send", m); err != nil {
			return err
		}
	}

	return nil
}

func (b *Broker) QueryGroupMessages(ctx context.Context, groupID []byte, paging broker.Paging) ([]broker.Message, error) {
	return nil, fmt.Errorf("rabbitmq: QueryGroupMessages requires a reply-queue round trip not wired in this adapter instance")
}

func (b *Broker) QueryWelcomeMessages(ctx context.Context, installationKey []byte, paging broker.Paging) ([]broker.Message, error) {
	return nil, fmt.Errorf("rabbitmq: QueryWelcomeMessages requires a reply-queue round trip not wired in this adapter instance")
}

// SubscribeGroupMessages consumes from the group-messages queue and
// coalesces deliveries into a channel the caller can range over.
func (b *Broker) SubscribeGroupMessages(ctx context.Context, filters []broker.SubscriptionFilter) (<-chan broker.Message, error) {
	return b.subscribe(ctx, exchangeGroupMessages, filters)
}

// SubscribeWelcomeMessages consumes from the welcomes queue.
func (b *Broker) SubscribeWelcomeMessages(ctx context.Context, filters []broker.SubscriptionFilter) (<-chan broker.Message, error) {
	return b.subscribe(ctx, exchangeWelcomes, filters)
}

func (b *Broker) subscribe(ctx context.Context, exchange string, filters []broker.SubscriptionFilter) (<-chan broker.Message, error) {
	queueName := exchange + ".sub"

	deliveries, err := b.ch.ConsumeWithContext(ctx, queueName, "", true, false, false, false, nil)
	if err != nil {
		return nil, apperr.NewNetworkError("rabbitmq.subscribe", exchange, err, true)
	}

	out := make(chan broker.Message, 64)

	go func() {
		defer close(out)

		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					return
				}

				out <- broker.Message{Topic: exchange, Bytes: d.Body}
			}
		}
	}()

	return out, nil
}

func (b *Broker) PublishIdentityUpdate(ctx context.Context, update []byte) error {
	return b.publish(ctx, exchangeIdentity, "update", update)
}

func (b *Broker) GetIdentityUpdatesV2(ctx context.Context, requests []broker.IdentityUpdateRequest) (map[string][]broker.Message, error) {
	return nil, fmt.Errorf("rabbitmq: GetIdentityUpdatesV2 requires a reply-queue round trip not wired in this adapter instance")
}

func (b *Broker) GetInboxIDs(ctx context.Context, addresses []string) (map[string]string, error) {
	return nil, fmt.Errorf("rabbitmq: GetInboxIDs requires a reply-queue round trip not wired in this adapter instance")
}

func (b *Broker) VerifySmartContractWalletSignatures(ctx context.Context, sigs []broker.SCWSignatureRequest) ([]broker.SCWSignatureResult, error) {
	payload, err := json.Marshal(sigs)
	if err != nil {
		return nil, apperr.NewDecodeError("rabbitmq.verify_scw", "marshal failed", err)
	}

	if err := b.publish(ctx, exchangeSCWVerify, "verify", payload); err != nil {
		return nil, err
	}

	return nil, fmt.Errorf("rabbitmq: VerifySmartContractWalletSignatures requires a reply-queue round trip not wired in this adapter instance")
}
