package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"IntentMesh/internal/api"
	"IntentMesh/internal/auth"
	"IntentMesh/internal/config"
	"IntentMesh/internal/identity"
	"IntentMesh/internal/lifecycle"
	"IntentMesh/internal/mesh"
	"IntentMesh/internal/negotiation"
	"IntentMesh/internal/notify"
	"IntentMesh/internal/observability/alerting"
	"IntentMesh/internal/observability/metrics"
	"IntentMesh/internal/proofs"
	"IntentMesh/internal/settlement"
	"IntentMesh/internal/settlement/evm"
	"IntentMesh/internal/storage/mysql"
	"IntentMesh/pkg/logger"
)

// main 是 IntentMesh 节点守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("intentmeshd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load(config.PathFromEnv())
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.Node.DataDir, 0o755); err != nil {
		return err
	}
	if err := logger.Init(cfg.Log); err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	log := logger.Named("intentmeshd")

	var closers []func()
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}()

	m := metrics.New()

	keyFile, local, err := loadIdentity(cfg.Node)
	if err != nil {
		return err
	}

	transport, err := createTransport(ctx, cfg.Mesh, keyFile, local)
	if err != nil {
		return err
	}
	closers = append(closers, func() { _ = transport.Close() })

	adapter, closeAdapter, err := createSettlementAdapter(ctx, cfg.Settlement)
	if err != nil {
		return err
	}
	closers = append(closers, closeAdapter)
	orchestrator := settlement.NewOrchestrator(adapter, settlement.Options{
		RatePerSecond:    cfg.Settlement.RatePerSecond,
		Burst:            cfg.Settlement.Burst,
		TransferAttempts: cfg.Settlement.TransferAttempts,
		FinalizeAttempts: cfg.Settlement.FinalizeAttempts,
		RetryBackoff:     cfg.Settlement.RetryBackoff.Std(),
		ConfirmPoll:      cfg.Settlement.ConfirmPoll.Std(),
		ConfirmTimeout:   cfg.Settlement.ConfirmTimeout.Std(),
		Retention:        cfg.Settlement.Retention.Std(),
		Observer:         m,
	})

	// Hub.Close 负责关闭这些 Sink。
	sinks, journal, err := createSinks(ctx, cfg.Notify)
	if err != nil {
		return err
	}
	hub := notify.NewHub(notify.Options{
		HistorySize:      cfg.Notify.HistorySize,
		SubscriberBuffer: cfg.Notify.SubscriberBuffer,
		ForwardBuffer:    cfg.Notify.ForwardBuffer,
		ForwardAttempts:  cfg.Notify.ForwardAttempts,
		ForwardBackoff:   cfg.Notify.ForwardBackoff.Std(),
		Sinks:            sinks,
		Observer:         m,
	})

	var advisor negotiation.Advisor
	if cfg.Negotiation.Advisor.Enabled {
		advisor = negotiation.NewChatAdvisor(negotiation.AdvisorConfig{
			Endpoint: cfg.Negotiation.Advisor.Endpoint,
			Model:    cfg.Negotiation.Advisor.Model,
			APIKey:   cfg.Negotiation.Advisor.APIKey,
			Timeout:  cfg.Negotiation.Advisor.Timeout.Std(),
		})
	}

	lc := cfg.Lifecycle
	registry, err := lifecycle.New(lifecycle.Dependencies{
		Identity:    local,
		Transport:   transport,
		Normalizer:  mesh.NewNormalizer(mesh.WithMaxBytes(int(cfg.Mesh.MaxMessageBytes))),
		Proofs:      createProofEngine(cfg.Proof),
		Settlement:  orchestrator,
		Policy:      negotiation.FloorPolicy{DefaultFloor: cfg.Negotiation.DefaultFloor, Floors: cfg.Negotiation.Floors},
		Recommender: negotiation.NewRecommender(advisor),
		Notify:      hub.Emit,
		Recorder:    m,
	}, lifecycle.Options{
		ProofTimeout:           lc.ProofTimeout.Std(),
		BroadcastTimeout:       lc.BroadcastTimeout.Std(),
		BroadcastRetries:       lc.BroadcastRetries,
		BroadcastBackoff:       lc.BroadcastBackoff.Std(),
		VerifyTimeout:          lc.VerifyTimeout.Std(),
		PolicyTimeout:          lc.PolicyTimeout.Std(),
		SettlementTimeout:      lc.SettlementTimeout.Std(),
		MatchTimeout:           lc.MatchTimeout.Std(),
		SettlementWait:         lc.SettlementWait.Std(),
		TerminalGrace:          lc.TerminalGrace.Std(),
		RetiredTTL:             lc.RetiredTTL.Std(),
		OrphanTTL:              lc.OrphanTTL.Std(),
		OrphanLimit:            lc.OrphanLimit,
		SweepInterval:          lc.SweepInterval.Std(),
		InboundBuffer:          cfg.Mesh.InboundBuffer,
		DefaultBalance:         lc.DefaultBalance,
		Recipient:              cfg.Settlement.Recipient,
		RelayFee:               cfg.Mesh.RelayFee,
		AutoAcceptOriginator:   lc.AutoAccept.Originator,
		AutoAcceptCounterparty: lc.AutoAccept.Counterparty,
	})
	if err != nil {
		return err
	}

	authService, err := auth.NewService(cfg.Server.APITokens)
	if err != nil {
		return err
	}
	serverCfg := api.Config{
		Address:         cfg.Server.Address,
		ReadTimeout:     cfg.Server.ReadTimeout.Std(),
		WriteTimeout:    cfg.Server.WriteTimeout.Std(),
		ShutdownTimeout: cfg.Server.ShutdownTimeout.Std(),
		Intents:         registry,
		Notifications:   hub,
		Settlements:     orchestrator,
		Auth:            authService,
	}
	if journal != nil {
		serverCfg.Journal = journal
	}
	if cfg.Server.Metrics {
		serverCfg.Metrics = m
	}
	server := api.NewServer(serverCfg)

	log.Info("节点已启动",
		slog.String("node_id", local.LocalNodeID()),
		slog.String("mesh", cfg.Mesh.Driver),
		slog.String("settlement", cfg.Settlement.Driver),
		slog.String("proof", cfg.Proof.Engine),
		slog.String("address", cfg.Server.Address))

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error { return registry.Run(gctx) })
	group.Go(func() error { return hub.Run(gctx) })
	group.Go(func() error { return server.Start(gctx) })

	err = group.Wait()
	_ = hub.Close()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("节点已停止")
	return nil
}

// loadIdentity 优先使用配置中的静态 ID，否则从密钥文件推导 peer id。
func loadIdentity(cfg config.NodeConfig) (*identity.KeyFile, identity.Provider, error) {
	if cfg.KeyFile == "" {
		return nil, identity.Static(cfg.ID), nil
	}
	key, err := identity.LoadOrCreate(cfg.KeyFile)
	if err != nil {
		return nil, nil, err
	}
	if cfg.ID != "" && cfg.ID != key.LocalNodeID() {
		return nil, nil, fmt.Errorf("node.id %q 与密钥文件推导的 %q 不一致", cfg.ID, key.LocalNodeID())
	}
	return key, key, nil
}

func createTransport(ctx context.Context, cfg config.MeshConfig, key *identity.KeyFile, local identity.Provider) (mesh.Transport, error) {
	switch cfg.Driver {
	case "memory":
		// 单进程模式，广播只会回送给自身。
		return mesh.NewMemoryNetwork().Join(local.LocalNodeID(), cfg.InboundBuffer), nil
	case "libp2p", "":
		if key == nil {
			return nil, errors.New("libp2p 传输需要 node.key_file")
		}
		host, err := mesh.NewHost(key.PrivateKey(), cfg.ListenAddrs)
		if err != nil {
			return nil, err
		}
		transport, err := mesh.NewP2PTransport(ctx, host, mesh.P2PConfig{
			BootstrapPeers:  cfg.BootstrapPeers,
			MDNS:            cfg.MDNS,
			RendezvousTag:   cfg.RendezvousTag,
			MaxHops:         cfg.MaxHops,
			MaxMessageBytes: cfg.MaxMessageBytes,
			SeenCacheSize:   cfg.SeenCacheSize,
			InboundBuffer:   cfg.InboundBuffer,
		})
		if err != nil {
			_ = host.Close()
			return nil, err
		}
		return transport, nil
	default:
		return nil, fmt.Errorf("未知的网络驱动: %s", cfg.Driver)
	}
}

func createProofEngine(cfg config.ProofConfig) proofs.Engine {
	digest := proofs.NewDigestEngine()
	if cfg.Engine != "nargo" {
		return digest
	}
	return proofs.NewNargoEngine(proofs.NargoConfig{
		Binary:     cfg.Nargo.Binary,
		ProjectDir: cfg.Nargo.ProjectDir,
		ProofName:  cfg.Nargo.ProofName,
	}, digest)
}

func createSettlementAdapter(ctx context.Context, cfg config.SettlementConfig) (settlement.Adapter, func(), error) {
	switch cfg.Driver {
	case "memory", "":
		return settlement.NewMemoryAdapter(), func() {}, nil
	case "evm":
		adapter, err := evm.Dial(ctx, cfg.EVM.RPCURL, evm.Config{
			ChainID:           cfg.EVM.ChainID,
			PrivateKeyHex:     cfg.EVM.PrivateKeyHex,
			CommitmentAddress: cfg.EVM.CommitmentAddress,
			WeiPerUnit:        cfg.EVM.WeiPerUnit,
			GasLimit:          cfg.EVM.GasLimit,
		})
		if err != nil {
			return nil, nil, err
		}
		return adapter, adapter.Close, nil
	default:
		return nil, nil, fmt.Errorf("未知的结算驱动: %s", cfg.Driver)
	}
}

// createSinks 按配置组装通知的外部投递目标。
func createSinks(ctx context.Context, cfg config.NotifyConfig) ([]notify.Sink, *mysql.Journal, error) {
	var (
		sinks   []notify.Sink
		journal *mysql.Journal
	)
	fail := func(err error) ([]notify.Sink, *mysql.Journal, error) {
		for _, sink := range sinks {
			_ = sink.Close()
		}
		return nil, nil, err
	}

	if cfg.MySQL.Enabled {
		j, err := mysql.NewJournal(ctx, mysql.Config{
			DSN:             cfg.MySQL.DSN,
			MaxOpenConns:    cfg.MySQL.MaxOpenConns,
			MaxIdleConns:    cfg.MySQL.MaxIdleConns,
			ConnMaxLifetime: cfg.MySQL.ConnMaxLifetime.Std(),
			AutoMigrate:     cfg.MySQL.AutoMigrate,
		})
		if err != nil {
			return fail(err)
		}
		journal = j
		sinks = append(sinks, j)
	}
	if cfg.Redis.Enabled {
		sink, err := notify.NewRedisSink(ctx, notify.RedisConfig{
			Address:  cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			ListKey:  cfg.Redis.ListKey,
			Channel:  cfg.Redis.Channel,
			MaxLen:   cfg.Redis.MaxLen,
		})
		if err != nil {
			return fail(err)
		}
		sinks = append(sinks, sink)
	}
	if cfg.RabbitMQ.Enabled {
		sink, err := notify.NewRabbitMQSink(notify.RabbitMQConfig{
			URL:        cfg.RabbitMQ.URL,
			Exchange:   cfg.RabbitMQ.Exchange,
			RoutingKey: cfg.RabbitMQ.RoutingKey,
		})
		if err != nil {
			return fail(err)
		}
		sinks = append(sinks, sink)
	}
	if cfg.Alerts.Enabled {
		dispatcher := alerting.NewFanout(
			&alerting.LogNotifier{},
			alerting.NewWebhookNotifier(cfg.Alerts.WebhookURL, cfg.Alerts.Timeout.Std()),
		)
		sinks = append(sinks, notify.NewAlertSink(dispatcher))
	}
	return sinks, journal, nil
}
