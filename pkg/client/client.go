package client

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/mlscore/core/internal/adapters/broker"
	"github.com/mlscore/core/internal/adapters/broker/d14n"
	"github.com/mlscore/core/internal/adapters/broker/rabbitmq"
	"github.com/mlscore/core/internal/adapters/cache"
	"github.com/mlscore/core/internal/adapters/http"
	"github.com/mlscore/core/internal/adapters/store/docstore"
	"github.com/mlscore/core/internal/adapters/store/sqlitestore"
	verifiergrpc "github.com/mlscore/core/internal/adapters/verifier/grpc"
	"github.com/mlscore/core/internal/config"
	"github.com/mlscore/core/internal/domain/cursor"
	"github.com/mlscore/core/internal/domain/group"
	"github.com/mlscore/core/internal/domain/identity"
	"github.com/mlscore/core/internal/domain/keypackage"
	"github.com/mlscore/core/internal/retry"
	"github.com/mlscore/core/internal/workers"
	"github.com/mlscore/core/pkg/mlog"
	"github.com/mlscore/core/pkg/mruntime"
)

// Client is the long-lived handle a host application builds once and
// calls for the lifetime of a logged-in installation. It owns the local
// SQLite connection, the broker transport, the cache and icebox stores,
// and the five background sync workers.
type Client struct {
	cfg    *config.Config
	logger mlog.Logger
	tp     *sdktrace.TracerProvider

	conn      *sqlitestore.Connection
	redis     *redis.Client
	mongo     *mongo.Client
	mongoDB   *docstore.Repository
	amqpConn  *amqp.Connection
	rabbitmq  *rabbitmq.Broker
	verifConn *grpc.ClientConn

	groups       *sqlitestore.GroupRepository
	messages     *sqlitestore.MessageRepository
	localCommits *sqlitestore.CommitLogRepository
	remoteCommits *sqlitestore.CommitLogRepository
	forkStatus   *sqlitestore.ForkStatusRepository
	consent      *sqlitestore.ConsentRepository
	identityLog  *sqlitestore.IdentityRepository
	keyPackages  *sqlitestore.KeyPackageRepository
	intents      *sqlitestore.IntentRepository

	engine      *identity.Engine
	identitySync *identity.Syncer
	cursors     *cursor.Store
	commitLock  *group.CommitLock
	validator   *group.CommitValidator
	welcome     *group.WelcomeProcessor
	publish     *group.PublishLoop
	processOwn  *group.ProcessOwnMessage
	keyStore    *keypackage.Store

	brokerTransport broker.Broker

	permissions *permissionOverrides

	provider Provider

	installationKey []byte
	inboxID         string

	workerWakeups struct {
		identityUpdates *workers.Signal
		deviceSync      *workers.Signal
		keyPackageCompromised *workers.Signal
	}
	workerList []interface{ Run(context.Context) }
}

// New wires every adapter named in config.Config into a ready-to-run
// Client, following the teacher's InitServersWithOptions sequence: logger
// first, then telemetry, then storage connections, then the domain-layer
// use cases built atop them.
//
// installationKey and inboxID identify the caller's own installation and
// inbox, used to scope key-package rotation and the device-sync worker.
// provider supplies the MLS-crypto and wire-codec seams this core does
// not implement itself.
func New(cfg *config.Config, logger mlog.Logger, provider Provider, installationKey []byte, inboxID string) (*Client, error) {
	tp, err := setupTelemetry(cfg)
	if err != nil {
		return nil, fmt.Errorf("client: telemetry setup: %w", err)
	}

	c := &Client{cfg: cfg, logger: logger, tp: tp, provider: provider, installationKey: installationKey, inboxID: inboxID, permissions: newPermissionOverrides()}

	if err := c.openStore(cfg); err != nil {
		return nil, err
	}

	if err := c.dialRedis(cfg); err != nil {
		return nil, err
	}

	if err := c.dialMongo(cfg); err != nil {
		return nil, err
	}

	if err := c.dialBroker(cfg); err != nil {
		return nil, err
	}

	if err := c.dialVerifier(cfg); err != nil {
		return nil, err
	}

	if err := c.wireDomain(cfg); err != nil {
		return nil, err
	}

	c.wireWorkers(cfg)

	return c, nil
}

func (c *Client) openStore(cfg *config.Config) error {
	var key []byte

	if cfg.DatabaseEncryptKeyHex != "" {
		decoded, err := hex.DecodeString(cfg.DatabaseEncryptKeyHex)
		if err != nil {
			return fmt.Errorf("client: decoding database encryption key: %w", err)
		}

		key = decoded
	}

	conn, err := sqlitestore.Open(context.Background(), sqlitestore.Config{Path: cfg.DatabasePath, EncryptionKey: key}, c.logger)
	if err != nil {
		return fmt.Errorf("client: opening store: %w", err)
	}

	c.conn = conn

	return nil
}

func (c *Client) dialRedis(cfg *config.Config) error {
	if cfg.RedisURI == "" {
		return nil
	}

	opts, err := redis.ParseURL(cfg.RedisURI)
	if err != nil {
		return fmt.Errorf("client: parsing redis uri: %w", err)
	}

	c.redis = redis.NewClient(opts)

	return nil
}

func (c *Client) dialMongo(cfg *config.Config) error {
	if cfg.MongoURI == "" {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		return fmt.Errorf("client: connecting to mongo: %w", err)
	}

	c.mongo = client
	c.mongoDB = docstore.New(client.Database(cfg.MongoDB))

	if err := c.mongoDB.EnsureIndexes(ctx); err != nil {
		return fmt.Errorf("client: ensuring icebox indexes: %w", err)
	}

	return nil
}

// dialBroker only establishes the transport connection; the d14n.Router
// wrapping it is built in wireDomain once c.cursors exists, since the
// router needs the cursor store to resolve its sticky cutover decision.
func (c *Client) dialBroker(cfg *config.Config) error {
	if cfg.BrokerAddress == "" {
		return nil
	}

	conn, err := amqp.Dial(cfg.BrokerAddress)
	if err != nil {
		return fmt.Errorf("client: dialing broker: %w", err)
	}

	c.amqpConn = conn

	rmq, err := rabbitmq.New(conn, c.logger)
	if err != nil {
		return fmt.Errorf("client: wiring rabbitmq transport: %w", err)
	}

	c.rabbitmq = rmq

	return nil
}

func (c *Client) dialVerifier(cfg *config.Config) error {
	if cfg.VerifierAddress == "" {
		return nil
	}

	conn, err := grpc.NewClient(cfg.VerifierAddress, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("client: dialing verifier: %w", err)
	}

	c.verifConn = conn

	return nil
}

func (c *Client) wireDomain(cfg *config.Config) error {
	c.groups = sqlitestore.NewGroupRepository(c.conn)
	c.messages = sqlitestore.NewMessageRepository(c.conn)
	c.localCommits = sqlitestore.NewLocalCommitLogRepository(c.conn)
	c.remoteCommits = sqlitestore.NewRemoteCommitLogRepository(c.conn)
	c.forkStatus = sqlitestore.NewForkStatusRepository(c.conn)
	c.consent = sqlitestore.NewConsentRepository(c.conn)
	c.identityLog = sqlitestore.NewIdentityRepository(c.conn)
	c.keyPackages = sqlitestore.NewKeyPackageRepository(c.conn)
	c.intents = sqlitestore.NewIntentRepository(c.conn)

	var scw identity.SCWVerifier
	if c.verifConn != nil {
		scw = verifiergrpc.New(c.verifConn)
	}

	c.engine = identity.NewEngine(scw, c.logger)

	var stateCache identity.StateCache = noopStateCache{}
	if c.redis != nil {
		stateCache = cache.NewAssociationStateCache(c.redis)
	}

	c.identitySync = identity.NewSyncer(c.engine, c.identityLog, stateCache)

	var cursorRepo cursor.Repository = sqlitestore.NewCursorRepository(c.conn)
	if c.mongoDB != nil {
		cursorRepo = newStoreCursorRepository(sqlitestore.NewCursorRepository(c.conn), c.mongoDB)
	}

	c.cursors = cursor.NewStore(cursorRepo)

	// Only one concrete wire-protocol generation exists in this build, so
	// legacy and next both point at the same rabbitmq.Broker: the
	// sticky-cutover routing logic in d14n.Router still runs (and is
	// still tested) in production, it just never actually switches
	// transports. A second adapter implementing the next generation's
	// wire protocol slots in here unchanged when one exists.
	if c.rabbitmq != nil {
		c.brokerTransport = d14n.NewRouter(c.rabbitmq, c.rabbitmq, c.cursors, func() int64 { return time.Now().UnixNano() })

		if cfg.BrokerD14NCutoverNs != 0 {
			if err := c.cursors.SetCutoverNs(context.Background(), cfg.BrokerD14NCutoverNs); err != nil {
				return fmt.Errorf("client: setting d14n cutover: %w", err)
			}
		}
	}

	c.commitLock = group.NewCommitLock()
	c.validator = group.NewCommitValidator(&associationDiffLookup{engine: c.engine, store: c.identityLog})

	onSyncGroupAdopted := func(context.Context, []byte) {}
	c.welcome = group.NewWelcomeProcessor(c.provider, sqlitestore.NewWelcomeRepository(c.groups, c.consent, onSyncGroupAdopted))

	strategy := retry.New(retry.Config{
		MaxAttempts:    cfg.PublishMaxAttempts,
		Multiplier:     3,
		InitialBackoff: cfg.PublishInitialBackoff,
		MaxBackoff:     cfg.PublishMaxBackoff,
		TotalWaitMax:   cfg.PublishTotalWaitMax,
	})

	c.publish = group.NewPublishLoop(c.intents, &brokerPublisher{broker: c.brokerTransport}, c.provider, c.commitLock, strategy, cfg.PublishMaxAttempts)
	c.keyStore = keypackage.NewStore(c.keyPackages, c.provider, &brokerUploader{broker: c.brokerTransport}, cfg.KeyPackageRotationInterval)

	c.processOwn = group.NewProcessOwnMessage(
		c.intents,
		c.intents.FindPublishedByPayloadHash,
		c.applyOwnCommit,
		func(context.Context, []byte, []byte) error {
			// Foreign commits (authored by another installation) need
			// the incoming-commit decoder this build doesn't have yet;
			// an unmatched echo is the overwhelmingly common case for
			// any message this installation didn't itself publish, so
			// it is not an error, just nothing further to do here.
			return nil
		},
	)

	return nil
}

// associationDiffLookup adapts identity.Engine/UpdateStore to
// group.AssociationDiffLookup: for one inbox's sequence-id advance, fold
// the log up to fromSeq to recover the prior state, then fold the
// remaining updates on top of it to get the installation diff the
// commit validator compares against.
type associationDiffLookup struct {
	engine *identity.Engine
	store  identity.UpdateStore
}

func (a *associationDiffLookup) InstallationDiff(inboxID string, fromSeq, toSeq uint64) (identity.Diff, error) {
	ctx := context.Background()

	before, err := a.store.LoadUpdates(ctx, inboxID, fromSeq)
	if err != nil {
		return identity.Diff{}, err
	}

	priorState, _, err := a.engine.Fold(ctx, nil, before)
	if err != nil {
		return identity.Diff{}, err
	}

	upToTarget, err := a.store.LoadUpdates(ctx, inboxID, toSeq)
	if err != nil {
		return identity.Diff{}, err
	}

	var remaining []identity.Update

	for _, u := range upToTarget {
		if u.SequenceID > fromSeq {
			remaining = append(remaining, u)
		}
	}

	_, diff, err := a.engine.Fold(ctx, priorState, remaining)
	if err != nil {
		return identity.Diff{}, err
	}

	return *diff, nil
}

// applyOwnCommit records a self-authored commit's success in the local
// commit log at the sequence id the broker assigned it, the local half of
// the fork-detection comparison (§4.7); the remote half is populated once
// this build can decode a commit it did not author itself.
func (c *Client) applyOwnCommit(ctx context.Context, intent *group.Intent, sequenceID uint64) error {
	return c.localCommits.Append(ctx, intent.GroupID, group.CommitLogEntry{
		CommitSequenceID:   sequenceID,
		EpochAuthenticator: intent.PayloadHash,
		Result:             group.ResultSuccess,
	})
}

// brokerPublisher adapts broker.Broker to the narrow group.Broker
// publish surface the intent loop needs.
type brokerPublisher struct{ broker broker.Broker }

func (p *brokerPublisher) SendGroupMessages(ctx context.Context, messages [][]byte) error {
	return p.broker.SendGroupMessages(ctx, messages)
}

// brokerUploader adapts broker.Broker to keypackage.Uploader.
type brokerUploader struct{ broker broker.Broker }

func (u *brokerUploader) UploadKeyPackage(ctx context.Context, kp []byte, isInboxIDCredential bool) error {
	return u.broker.UploadKeyPackage(ctx, kp, isInboxIDCredential)
}

// noopStateCache is used when no Redis URI is configured: every lookup
// misses, so GetAssociationState always reloads and folds from the
// identity log. Correct, just uncached.
type noopStateCache struct{}

func (noopStateCache) Get(context.Context, string, uint64) (*identity.AssociationState, bool, error) {
	return nil, false, nil
}

func (noopStateCache) Put(context.Context, *identity.AssociationState) error { return nil }

func (c *Client) wireWorkers(cfg *config.Config) {
	c.workerWakeups.identityUpdates = workers.NewSignal()
	c.workerWakeups.deviceSync = workers.NewSignal()
	c.workerWakeups.keyPackageCompromised = workers.NewSignal()

	var cacheInvalidator workers.CacheInvalidator = noopCacheInvalidator{}
	if c.redis != nil {
		cacheInvalidator = cache.NewAssociationStateCache(c.redis)
	}

	identityWorker := &workers.IdentityUpdatesWorker{
		Broker:   c.brokerTransport,
		Watched:  newWatchedInboxesAdapter(c.groups, c.identityLog),
		Decoder:  c.provider,
		Appender: c.identityLog,
		Cache:    cacheInvalidator,
		Logger:   c.logger,
		Interval: 30 * time.Second,
		Wake:     c.workerWakeups.identityUpdates,
	}

	keyPackageWorker := &workers.KeyPackageRotationWorker{
		Store:           c.keyStore,
		InstallationKey: c.installationKey,
		Interval:        cfg.KeyPackageRotationInterval,
		Compromised:     c.workerWakeups.keyPackageCompromised,
		Clock:           workers.SystemClock,
		Logger:          c.logger,
	}

	commitLogWorker := &workers.CommitLogWorker{
		Groups:    c.groups,
		Local:     c.localCommits,
		Remote:    c.remoteCommits,
		ForkStore: c.forkStatus,
		Interval:  time.Minute,
		Logger:    c.logger,
	}

	var processedTracker workers.ProcessedTracker = noopProcessedTracker{}
	if c.mongoDB != nil {
		processedTracker = c.mongoDB
	}

	deviceSyncWorker := &workers.DeviceSyncWorker{
		InboxID:    c.inboxID,
		SyncGroups: c.groups,
		Broker:     c.brokerTransport,
		Decoder:    c.provider,
		Consent:    c.consent,
		Messages:   c.messages,
		Processed:  processedTracker,
		Clock:      workers.SystemClock,
		Interval:   30 * time.Second,
		Wake:       c.workerWakeups.deviceSync,
		Logger:     c.logger,
	}

	disappearingWorker := &workers.DisappearingMessagesWorker{
		Groups:   c.groups,
		Messages: c.messages,
		Clock:    workers.SystemClock,
		Interval: time.Minute,
		Logger:   c.logger,
	}

	c.workerList = []interface{ Run(context.Context) }{
		identityWorker, keyPackageWorker, commitLogWorker, deviceSyncWorker, disappearingWorker,
	}
}

// noopCacheInvalidator is used when no Redis URI is configured.
type noopCacheInvalidator struct{}

func (noopCacheInvalidator) Delete(context.Context, string) error { return nil }

// noopProcessedTracker is used when no Mongo URI is configured: every
// device-sync message looks unprocessed, which is safe (re-applying a
// consent decision or a message insert is idempotent) if less efficient
// than real dedup.
type noopProcessedTracker struct{}

func (noopProcessedTracker) WasProcessed(context.Context, string, []byte) (bool, error) {
	return false, nil
}

func (noopProcessedTracker) MarkProcessed(context.Context, docstore.ProcessedDeviceSyncMessage) error {
	return nil
}

// Run launches every background sync worker and blocks until ctx is
// cancelled. Each worker runs through pkg/mruntime.Go so a panic handling
// one malformed envelope is logged and contained instead of taking the
// whole client down; Run itself returns once ctx is done, after which no
// worker is still running new work (each worker's own Run loop exits on
// the same ctx).
func (c *Client) Run(ctx context.Context) {
	names := []string{"identity_updates", "keypackage_rotation", "commit_log", "device_sync", "disappearing_messages"}
	safeLogger := mruntimeLogger{c.logger}

	for i, w := range c.workerList {
		w := w
		mruntime.Go(safeLogger, names[i], func() { w.Run(ctx) })
	}

	<-ctx.Done()
}

// mruntimeLogger adapts mlog.Logger to mruntime.Logger: both interfaces
// declare a WithFields method, but mlog.Logger's returns mlog.Logger
// while mruntime.Logger's returns mruntime.Logger, so the two are not
// structurally interchangeable without this wrapper.
type mruntimeLogger struct{ mlog.Logger }

func (l mruntimeLogger) WithFields(fields ...any) mruntime.Logger {
	return mruntimeLogger{l.Logger.WithFields(fields...)}
}

// NotifyIdentityUpdatesChanged wakes the identity-updates worker
// immediately instead of waiting for its next tick, e.g. after the
// application layer observes a fresh watched inbox.
func (c *Client) NotifyIdentityUpdatesChanged() { c.workerWakeups.identityUpdates.Notify() }

// NotifyDeviceSyncChanged wakes the device-sync worker immediately.
func (c *Client) NotifyDeviceSyncChanged() { c.workerWakeups.deviceSync.Notify() }

// NotifyKeyCompromised triggers an immediate key-package rotation,
// bypassing the rotation interval, per §4.5's compromise-signal path.
func (c *Client) NotifyKeyCompromised() { c.workerWakeups.keyPackageCompromised.Notify() }

// DebugRouter returns the read-only introspection HTTP surface over this
// client's local state: epoch, fork status, and installation diff
// accessors. authSecret may be nil to run it without bearer-token
// protection.
func (c *Client) DebugRouter(authSecret []byte, version string) *fiber.App {
	return http.NewRouter(http.Deps{
		Groups:       c.groups,
		Messages:     c.messages,
		LocalCommits: c.localCommits,
		ForkStatus:   c.forkStatus,
		Identity:     c.identitySync,
		IdentityLog:  c.identityLog,
		Engine:       c.engine,
		Version:      version,
	}, c.logger, authSecret)
}

// Close releases every external connection the Client opened. Safe to
// call once after Run's ctx has been cancelled.
func (c *Client) Close() error {
	var firstErr error

	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if c.amqpConn != nil {
		record(c.amqpConn.Close())
	}

	if c.verifConn != nil {
		record(c.verifConn.Close())
	}

	if c.redis != nil {
		record(c.redis.Close())
	}

	if c.mongo != nil {
		record(c.mongo.Disconnect(context.Background()))
	}

	record(shutdownTelemetry(context.Background(), c.tp))

	if c.conn != nil {
		record(c.conn.Close())
	}

	return firstErr
}
