package mesh

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	ma "github.com/multiformats/go-multiaddr"
	"golang.org/x/sync/errgroup"

	xerrors "IntentMesh/internal/errors"
	"IntentMesh/pkg/logger"
)

// ProtocolID 是信封流协议。
const ProtocolID = protocol.ID("/intentmesh/envelope/1.0.0")

// P2PConfig 描述 libp2p 传输的行为。
type P2PConfig struct {
	BootstrapPeers  []string
	MDNS            bool
	RendezvousTag   string
	MaxHops         int
	MaxMessageBytes int64
	SeenCacheSize   int
	InboundBuffer   int
	SendTimeout     time.Duration
}

// NewHost 使用给定身份创建 libp2p host。
func NewHost(priv crypto.PrivKey, listenAddrs []string) (host.Host, error) {
	opts := []libp2p.Option{libp2p.Identity(priv)}
	if len(listenAddrs) > 0 {
		opts = append(opts, libp2p.ListenAddrStrings(listenAddrs...))
	}
	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "create libp2p host")
	}
	return h, nil
}

// P2PTransport 通过 libp2p 流发送信封，并在跳数上限内向其他节点转发。
type P2PTransport struct {
	host   host.Host
	cfg    P2PConfig
	logger *slog.Logger
	seen   *seenCache
	mdns   mdns.Service

	mu       sync.RWMutex
	handlers []Handler

	inbox  chan Inbound
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool
}

// NewP2PTransport 在已有 host 上注册协议、连接引导节点并可选启动 mDNS。
func NewP2PTransport(ctx context.Context, h host.Host, cfg P2PConfig) (*P2PTransport, error) {
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = 1 << 20
	}
	if cfg.InboundBuffer <= 0 {
		cfg.InboundBuffer = 256
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 5 * time.Second
	}
	if cfg.RendezvousTag == "" {
		cfg.RendezvousTag = "intentmesh"
	}

	runCtx, cancel := context.WithCancel(ctx)
	t := &P2PTransport{
		host:   h,
		cfg:    cfg,
		logger: logger.Named("mesh.p2p").With(slog.String("peer_id", h.ID().String())),
		seen:   newSeenCache(cfg.SeenCacheSize),
		inbox:  make(chan Inbound, cfg.InboundBuffer),
		ctx:    runCtx,
		cancel: cancel,
	}

	h.SetStreamHandler(ProtocolID, t.handleStream)
	h.Network().Notify(&network.NotifyBundle{ConnectedF: t.onConnected})

	t.wg.Add(1)
	go t.deliver()

	for _, raw := range cfg.BootstrapPeers {
		addr, err := ma.NewMultiaddr(raw)
		if err != nil {
			t.logger.Warn("invalid bootstrap address", slog.String("addr", raw), slog.Any("error", err))
			continue
		}
		info, err := peer.AddrInfoFromP2pAddr(addr)
		if err != nil {
			t.logger.Warn("invalid bootstrap peer", slog.String("addr", raw), slog.Any("error", err))
			continue
		}
		if info.ID == h.ID() {
			continue
		}
		go t.connect(*info)
	}

	if cfg.MDNS {
		t.mdns = mdns.NewMdnsService(h, cfg.RendezvousTag, t)
		if err := t.mdns.Start(); err != nil {
			cancel()
			return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "start mdns discovery")
		}
	}

	for _, addr := range h.Addrs() {
		t.logger.Info("listening", slog.String("addr", addr.String()+"/p2p/"+h.ID().String()))
	}
	return t, nil
}

// HandlePeerFound 实现 mdns.Notifee。
func (t *P2PTransport) HandlePeerFound(info peer.AddrInfo) {
	if info.ID == t.host.ID() {
		return
	}
	go t.connect(info)
}

func (t *P2PTransport) connect(info peer.AddrInfo) {
	ctx, cancel := context.WithTimeout(t.ctx, t.cfg.SendTimeout)
	defer cancel()
	if err := t.host.Connect(ctx, info); err != nil {
		t.logger.Debug("connect failed", slog.String("remote", info.ID.String()), slog.Any("error", err))
	}
}

func (t *P2PTransport) onConnected(_ network.Network, conn network.Conn) {
	remote := conn.RemotePeer()
	t.push(peerNotice(remote.String(), conn.RemoteMultiaddr().String()))
}

// Subscribe 实现 Transport 接口。
func (t *P2PTransport) Subscribe(handler Handler) {
	if handler == nil {
		return
	}
	t.mu.Lock()
	t.handlers = append(t.handlers, handler)
	t.mu.Unlock()
}

// Broadcast 把消息发送给所有已连接节点。没有连接时视为单节点模式，不报错。
func (t *P2PTransport) Broadcast(ctx context.Context, payload []byte) (Ack, error) {
	if t.closed.Load() {
		return Ack{}, xerrors.New(xerrors.CodeTransportFailure, "transport closed")
	}
	if int64(len(payload)) > t.cfg.MaxMessageBytes {
		return Ack{}, xerrors.New(xerrors.CodeInvalidArgument, "message exceeds size limit")
	}

	var header struct {
		MessageID string `json:"message_id"`
	}
	_ = json.Unmarshal(payload, &header)

	peers := t.host.Network().Peers()
	if len(peers) == 0 {
		t.logger.Debug("no peers connected, broadcast kept local", slog.String("message_id", header.MessageID))
		return Ack{MessageID: header.MessageID}, nil
	}

	delivered, lastErr := t.sendAll(ctx, peers, payload)
	if delivered == 0 {
		return Ack{}, xerrors.Wrap(xerrors.CodeTransportFailure, lastErr, "no peer accepted broadcast")
	}
	return Ack{MessageID: header.MessageID, Peers: delivered}, nil
}

func (t *P2PTransport) sendAll(ctx context.Context, peers []peer.ID, payload []byte) (int, error) {
	var (
		delivered atomic.Int64
		errMu     sync.Mutex
		lastErr   error
		group     errgroup.Group
	)
	group.SetLimit(16)
	for _, pid := range peers {
		group.Go(func() error {
			if err := t.send(ctx, pid, payload); err != nil {
				errMu.Lock()
				lastErr = err
				errMu.Unlock()
				t.logger.Debug("send failed", slog.String("remote", pid.String()), slog.Any("error", err))
				return nil
			}
			delivered.Add(1)
			return nil
		})
	}
	_ = group.Wait()
	return int(delivered.Load()), lastErr
}

func (t *P2PTransport) send(ctx context.Context, pid peer.ID, payload []byte) error {
	ctx, cancel := context.WithTimeout(ctx, t.cfg.SendTimeout)
	defer cancel()

	stream, err := t.host.NewStream(ctx, pid, ProtocolID)
	if err != nil {
		return err
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = stream.SetWriteDeadline(deadline)
	}
	if _, err := stream.Write(payload); err != nil {
		_ = stream.Reset()
		return err
	}
	return stream.Close()
}

func (t *P2PTransport) handleStream(s network.Stream) {
	defer s.Close()
	remote := s.Conn().RemotePeer()

	data, err := io.ReadAll(io.LimitReader(s, t.cfg.MaxMessageBytes+1))
	if err != nil {
		t.logger.Warn("read stream failed", slog.String("remote", remote.String()), slog.Any("error", err))
		_ = s.Reset()
		return
	}
	if int64(len(data)) > t.cfg.MaxMessageBytes {
		t.logger.Warn("oversized message dropped", slog.String("remote", remote.String()))
		_ = s.Reset()
		return
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err == nil && env.MessageID != "" {
		if t.seen.Mark(env.MessageID) {
			return
		}
		t.relay(env, remote)
	}
	t.push(Inbound{From: remote.String(), Data: data, ReceivedAt: time.Now().UTC()})
}

// relay 在跳数上限内把消息转发给尚未经手的节点。
func (t *P2PTransport) relay(env Envelope, from peer.ID) {
	if env.Hops >= t.cfg.MaxHops {
		return
	}
	self := t.host.ID().String()
	env.Hops++
	if !slices.Contains(env.RelayPath, self) {
		env.RelayPath = append(env.RelayPath, self)
	}
	encoded, err := json.Marshal(env)
	if err != nil {
		return
	}

	var targets []peer.ID
	for _, pid := range t.host.Network().Peers() {
		if pid == from || slices.Contains(env.RelayPath, pid.String()) {
			continue
		}
		targets = append(targets, pid)
	}
	if len(targets) == 0 {
		return
	}
	go func() {
		if n, err := t.sendAll(t.ctx, targets, encoded); n == 0 && err != nil {
			t.logger.Debug("relay failed", slog.String("message_id", env.MessageID), slog.Any("error", err))
		}
	}()
}

func (t *P2PTransport) push(in Inbound) {
	if t.closed.Load() {
		return
	}
	select {
	case t.inbox <- in:
	case <-t.ctx.Done():
	}
}

func (t *P2PTransport) deliver() {
	defer t.wg.Done()
	for {
		select {
		case <-t.ctx.Done():
			return
		case msg := <-t.inbox:
			t.mu.RLock()
			handlers := append([]Handler(nil), t.handlers...)
			t.mu.RUnlock()
			for _, h := range handlers {
				h(msg)
			}
		}
	}
}

// Close 停止发现服务并关闭 host。
func (t *P2PTransport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	if t.mdns != nil {
		_ = t.mdns.Close()
	}
	t.host.RemoveStreamHandler(ProtocolID)
	t.cancel()
	t.wg.Wait()
	return t.host.Close()
}

var _ Transport = (*P2PTransport)(nil)
