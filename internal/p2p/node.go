// Package p2p implements peer-to-peer networking using libp2p.
package p2p

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	libp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	drouting "github.com/libp2p/go-libp2p/p2p/discovery/routing"
	dutil "github.com/libp2p/go-libp2p/p2p/discovery/util"
	ma "github.com/multiformats/go-multiaddr"

	klog "github.com/biddy-ledger/biddy/internal/log"
	"github.com/biddy-ledger/biddy/internal/storage"
	"github.com/biddy-ledger/biddy/pkg/block"
)

const (
	// dhtRendezvousFallback is the discovery namespace when no NetworkID is set.
	dhtRendezvousFallback = "biddy"

	dhtDiscoveryInterval = 30 * time.Second
	peerConnectTimeout   = 5 * time.Second
	seedRetryInterval    = 10 * time.Second
)

// Config holds P2P node configuration.
type Config struct {
	ListenAddr string
	Port       int
	Seeds      []string // multiaddrs ending in /p2p/<id>
	MaxPeers   int
	NoDiscover bool
	DB         storage.DB // peer and ban persistence (nil = disabled)
	DHTServer  bool
	NetworkID  string // isolates discovery per network
	DataDir    string // persists the libp2p identity
}

// BlockHandler receives gossiped blocks that passed validation.
type BlockHandler func(from peer.ID, blk *block.Block)

// MessageHandler receives decoded queue messages.
type MessageHandler func(from *Peer, msg *Message)

// Node is a libp2p host with block gossip and per-peer queues.
type Node struct {
	host   host.Host
	pubsub *pubsub.PubSub
	config Config
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	topicBlock *pubsub.Topic
	subBlock   *pubsub.Subscription

	handlerMu    sync.RWMutex
	blockHandler BlockHandler
	msgHandler   MessageHandler
	onConnected  func(*Peer)

	registry *Registry

	BanManager *BanManager
	peerStore  *PeerStore
	dht        *dht.IpfsDHT
	connNotify *connNotifier
}

// New creates a P2P node. Nothing listens until Start.
func New(cfg Config) *Node {
	ctx, cancel := context.WithCancel(context.Background())
	n := &Node{
		config:   cfg,
		ctx:      ctx,
		cancel:   cancel,
		registry: NewRegistry(),
	}
	if cfg.DB != nil {
		n.peerStore = NewPeerStore(cfg.DB)
		n.BanManager = NewBanManager(NewBanStore(cfg.DB), n)
	} else {
		n.BanManager = NewBanManager(nil, n)
	}
	return n
}

// rendezvous returns the DHT/mDNS discovery namespace for this node.
func (n *Node) rendezvous() string {
	if n.config.NetworkID != "" {
		return "biddy/" + n.config.NetworkID
	}
	return dhtRendezvousFallback
}

// Start initializes the libp2p host, pubsub and discovery.
func (n *Node) Start() error {
	listen, err := ma.NewMultiaddr(fmt.Sprintf("/ip4/%s/tcp/%d", n.config.ListenAddr, n.config.Port))
	if err != nil {
		return fmt.Errorf("listen address: %w", err)
	}

	n.BanManager.LoadBans()

	opts := []libp2p.Option{
		libp2p.ListenAddrs(listen),
		libp2p.ConnectionGater(&banGater{banMgr: n.BanManager}),
	}
	if n.config.DataDir != "" {
		privKey, err := loadOrCreateIdentity(n.config.DataDir)
		if err != nil {
			return fmt.Errorf("load p2p identity: %w", err)
		}
		opts = append(opts, libp2p.Identity(privKey))
	}

	h, err := libp2p.New(opts...)
	if err != nil {
		return fmt.Errorf("create libp2p host: %w", err)
	}
	n.host = h

	n.connNotify = &connNotifier{node: n}
	h.Network().Notify(n.connNotify)
	h.SetStreamHandler(QueueProtocol, n.handleQueueStream)

	// DHT first so it can serve as a GossipSub peer source.
	if !n.config.NoDiscover {
		if err := n.initDHT(); err != nil {
			h.Close()
			return fmt.Errorf("init dht: %w", err)
		}
	}

	ps, err := pubsub.NewGossipSub(n.ctx, h, pubsub.WithMaxMessageSize(MaxMessageSize))
	if err != nil {
		n.closeDHT()
		h.Close()
		return fmt.Errorf("create pubsub: %w", err)
	}
	n.pubsub = ps

	if err := n.joinTopics(); err != nil {
		n.closeDHT()
		h.Close()
		return err
	}

	n.wg.Add(1)
	go n.readLoop(n.subBlock, n.handleBlockMessage)

	go n.loadPersistedPeers()

	if len(n.config.Seeds) > 0 {
		klog.P2P.Info().Int("seeds", len(n.config.Seeds)).Msg("Connecting to seeds...")
	}
	n.connectSeedsOnce()
	go n.connectSeedsLoop()

	if !n.config.NoDiscover {
		n.startMDNS()
		go n.runDHTDiscovery()
	}
	if n.peerStore != nil {
		go n.runPersistLoop()
	}
	go n.BanManager.RunPruneLoop(n.ctx.Done())

	klog.P2P.Info().Str("id", n.host.ID().String()).Strs("addrs", n.Addrs()).Msg("P2P node started")
	return nil
}

// Stop shuts down the node and waits for its peer goroutines.
func (n *Node) Stop() error {
	n.persistPeers()

	n.cancel()
	if n.subBlock != nil {
		n.subBlock.Cancel()
	}
	if n.topicBlock != nil {
		n.topicBlock.Close()
	}
	n.registry.Close()
	n.closeDHT()

	var err error
	if n.host != nil {
		err = n.host.Close()
	}
	n.wg.Wait()
	return err
}

// Host returns the underlying libp2p host (nil before Start).
func (n *Node) Host() host.Host {
	return n.host
}

// Registry returns the connected-peer registry.
func (n *Node) Registry() *Registry {
	return n.registry
}

// SetBlockHandler registers the callback for validated gossip blocks.
func (n *Node) SetBlockHandler(fn BlockHandler) {
	n.handlerMu.Lock()
	defer n.handlerMu.Unlock()
	n.blockHandler = fn
}

// SetMessageHandler registers the callback for queue messages.
func (n *Node) SetMessageHandler(fn MessageHandler) {
	n.handlerMu.Lock()
	defer n.handlerMu.Unlock()
	n.msgHandler = fn
}

// SetPeerConnectedHandler registers a callback run when a new peer is added.
func (n *Node) SetPeerConnectedHandler(fn func(*Peer)) {
	n.handlerMu.Lock()
	defer n.handlerMu.Unlock()
	n.onConnected = fn
}

// DisconnectPeer closes all connections to a peer and forgets it.
func (n *Node) DisconnectPeer(id peer.ID) error {
	if n.host == nil {
		return fmt.Errorf("node not started")
	}
	n.removePeer(id)
	return n.host.Network().ClosePeer(id)
}

// ID returns the peer ID of this node.
func (n *Node) ID() peer.ID {
	if n.host == nil {
		return ""
	}
	return n.host.ID()
}

// Addrs returns the full multiaddrs of this node.
func (n *Node) Addrs() []string {
	if n.host == nil {
		return nil
	}
	var addrs []string
	for _, a := range n.host.Addrs() {
		addrs = append(addrs, fmt.Sprintf("%s/p2p/%s", a, n.host.ID()))
	}
	return addrs
}

// PeerCount returns the number of connected peers.
func (n *Node) PeerCount() int {
	return n.registry.Len()
}

// PeerList returns a snapshot of connected peers.
func (n *Node) PeerList() []*Peer {
	return n.registry.List()
}

// PeerAddrs returns the known addresses of a peer.
func (n *Node) PeerAddrs(id peer.ID) []string {
	if n.host == nil {
		return nil
	}
	var out []string
	for _, a := range n.host.Peerstore().Addrs(id) {
		out = append(out, a.String())
	}
	return out
}

// addPeer registers id and starts its queue goroutines on first sight.
func (n *Node) addPeer(id peer.ID, source string) *Peer {
	p, created := n.registry.Add(id, source)
	if !created {
		return p
	}
	if n.host != nil && n.ctx.Err() == nil {
		n.wg.Add(2)
		go n.runSender(p)
		go n.runDispatcher(p)
	}
	klog.P2P.Debug().Str("peer", shortID(id)).Str("source", source).Msg("Peer added")

	n.handlerMu.RLock()
	fn := n.onConnected
	n.handlerMu.RUnlock()
	if fn != nil {
		go n.safeCall(func() { fn(p) })
	}
	return p
}

func (n *Node) removePeer(id peer.ID) {
	if n.registry.Remove(id) {
		klog.P2P.Debug().Str("peer", shortID(id)).Msg("Peer removed")
	}
}

func (n *Node) joinTopics() error {
	var err error
	n.topicBlock, err = n.pubsub.Join(TopicBlocks)
	if err != nil {
		return fmt.Errorf("join block topic: %w", err)
	}
	n.subBlock, err = n.topicBlock.Subscribe()
	if err != nil {
		return fmt.Errorf("subscribe block: %w", err)
	}
	return nil
}

func (n *Node) readLoop(sub *pubsub.Subscription, handler func(*pubsub.Message)) {
	defer n.wg.Done()
	for {
		msg, err := sub.Next(n.ctx)
		if err != nil {
			return
		}
		if msg.ReceivedFrom == n.host.ID() {
			continue
		}
		handler(msg)
	}
}

// handleBlockMessage is the trust boundary for gossiped blocks: a block is
// decoded, shallow-validated and its hash recomputed before any handler
// sees it.
func (n *Node) handleBlockMessage(msg *pubsub.Message) {
	from := msg.ReceivedFrom
	n.addPeer(from, "gossip")

	blk, err := DecodeBlock(msg.Data)
	if err != nil {
		n.recordOffense(from, PenaltyInvalidBlock, err.Error())
		return
	}

	n.handlerMu.RLock()
	fn := n.blockHandler
	n.handlerMu.RUnlock()
	if fn != nil {
		n.safeCall(func() { fn(from, blk) })
	}
}

// safeCall runs fn, logging instead of crashing on a handler panic.
func (n *Node) safeCall(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			klog.P2P.Error().Interface("panic", r).Msg("Handler panicked")
		}
	}()
	fn()
}

func (n *Node) recordOffense(id peer.ID, penalty int, reason string) {
	klog.P2P.Warn().Str("peer", shortID(id)).Str("reason", reason).Msg("Peer misbehaved")
	n.BanManager.RecordOffense(id, penalty, reason)
}

func (n *Node) startMDNS() {
	svc := mdns.NewMdnsService(n.host, n.rendezvous(), &discoveryNotifee{node: n})
	// mDNS failure is non-fatal.
	_ = svc.Start()
}

// connectSeedsOnce tries each seed once. Returns true if any connected.
func (n *Node) connectSeedsOnce() bool {
	connected := false
	for _, addr := range n.config.Seeds {
		info, err := peer.AddrInfoFromString(addr)
		if err != nil {
			klog.P2P.Warn().Str("addr", addr).Err(err).Msg("Bad seed address")
			continue
		}
		ctx, cancel := context.WithTimeout(n.ctx, 10*time.Second)
		err = n.host.Connect(ctx, *info)
		cancel()
		if err != nil {
			klog.P2P.Warn().Str("peer", shortID(info.ID)).Err(err).Msg("Seed connect failed")
			continue
		}
		n.addPeer(info.ID, "seed")
		klog.P2P.Info().Str("peer", shortID(info.ID)).Msg("Seed connected")
		connected = true
	}
	return connected
}

// connectSeedsLoop retries seeds while the node has no peers.
func (n *Node) connectSeedsLoop() {
	if len(n.config.Seeds) == 0 {
		return
	}
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-time.After(seedRetryInterval):
			if n.PeerCount() == 0 {
				klog.P2P.Info().Int("seeds", len(n.config.Seeds)).Msg("No peers, retrying seeds...")
				n.connectSeedsOnce()
			}
		}
	}
}

// --- DHT ---

func (n *Node) initDHT() error {
	mode := dht.ModeClient
	if n.config.DHTServer {
		mode = dht.ModeServer
	}
	kadDHT, err := dht.New(n.ctx, n.host, dht.Mode(mode))
	if err != nil {
		return fmt.Errorf("create kad-dht: %w", err)
	}
	n.dht = kadDHT
	return kadDHT.Bootstrap(n.ctx)
}

func (n *Node) closeDHT() {
	if n.dht != nil {
		n.dht.Close()
		n.dht = nil
	}
}

func (n *Node) runDHTDiscovery() {
	if n.dht == nil {
		return
	}
	routingDiscovery := drouting.NewRoutingDiscovery(n.dht)
	dutil.Advertise(n.ctx, routingDiscovery, n.rendezvous())

	ticker := time.NewTicker(dhtDiscoveryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			n.findDHTPeers(routingDiscovery)
		}
	}
}

func (n *Node) findDHTPeers(routingDiscovery *drouting.RoutingDiscovery) {
	ctx, cancel := context.WithTimeout(n.ctx, 20*time.Second)
	defer cancel()

	peerCh, err := routingDiscovery.FindPeers(ctx, n.rendezvous())
	if err != nil {
		return
	}
	for p := range peerCh {
		if p.ID == n.host.ID() || len(p.Addrs) == 0 {
			continue
		}
		if n.config.MaxPeers > 0 && n.PeerCount() >= n.config.MaxPeers {
			return
		}
		connectCtx, connectCancel := context.WithTimeout(n.ctx, peerConnectTimeout)
		if err := n.host.Connect(connectCtx, p); err == nil {
			n.addPeer(p.ID, "dht")
		}
		connectCancel()
	}
}

// --- Peer persistence ---

func (n *Node) persistPeers() {
	if n.peerStore == nil || n.host == nil {
		return
	}
	now := time.Now().Unix()
	for _, p := range n.registry.List() {
		rec := PeerRecord{
			ID:       p.ID.String(),
			Addrs:    n.PeerAddrs(p.ID),
			LastSeen: now,
			Source:   p.Source,
		}
		if err := n.peerStore.Save(rec); err != nil {
			klog.P2P.Debug().Err(err).Str("peer", shortID(p.ID)).Msg("Persist peer failed")
		}
	}
}

func (n *Node) loadPersistedPeers() {
	if n.peerStore == nil {
		return
	}
	n.peerStore.PruneStale(staleThreshold)

	records, err := n.peerStore.LoadAll()
	if err != nil {
		return
	}
	for _, rec := range records {
		id, err := peer.Decode(rec.ID)
		if err != nil || id == n.host.ID() {
			continue
		}
		info := peer.AddrInfo{ID: id}
		for _, addr := range rec.Addrs {
			a, err := ma.NewMultiaddr(addr)
			if err != nil {
				continue
			}
			info.Addrs = append(info.Addrs, a)
		}
		if len(info.Addrs) == 0 {
			continue
		}
		ctx, cancel := context.WithTimeout(n.ctx, peerConnectTimeout)
		if err := n.host.Connect(ctx, info); err == nil {
			n.addPeer(id, rec.Source)
		}
		cancel()
	}
}

func (n *Node) runPersistLoop() {
	ticker := time.NewTicker(persistInterval)
	defer ticker.Stop()
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			n.persistPeers()
			n.peerStore.PruneStale(staleThreshold)
		}
	}
}

// loadOrCreateIdentity loads the libp2p key from dataDir, generating and
// saving one on first start so the peer ID survives restarts.
func loadOrCreateIdentity(dataDir string) (libp2pcrypto.PrivKey, error) {
	keyPath := filepath.Join(dataDir, "node.key")

	data, err := os.ReadFile(keyPath)
	if err == nil {
		keyBytes, err := hex.DecodeString(string(data))
		if err != nil {
			return nil, fmt.Errorf("decode node key: %w", err)
		}
		return libp2pcrypto.UnmarshalEd25519PrivateKey(keyBytes)
	}

	priv, _, err := libp2pcrypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	raw, err := priv.Raw()
	if err != nil {
		return nil, fmt.Errorf("marshal key: %w", err)
	}
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	if err := os.WriteFile(keyPath, []byte(hex.EncodeToString(raw)), 0600); err != nil {
		return nil, fmt.Errorf("save node key: %w", err)
	}
	return priv, nil
}

func shortID(id peer.ID) string {
	s := id.String()
	if len(s) > 16 {
		return s[:16]
	}
	return s
}
