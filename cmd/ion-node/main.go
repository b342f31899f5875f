package main

// ion-node entrypoint: load configuration, identity and store, wire
// C1-C10 (identity/codec, store, autopeering, gossip, tangle, requester,
// solidifier, ledger, peer manager) into one running node, and hand
// every long-lived component to the Supervisor for priority-ordered
// startup and shutdown. Replaces cmd/synnergy/main.go's cobra shell
// around two mock subcommands (`testnet start`, `tokens transfer`) with
// the real node this module builds — that file is deleted once this one
// subsumes its role (see DESIGN.md).

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/libp2p/go-libp2p/core/network"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"ion-node/core"
	pkgconfig "ion-node/pkg/config"
)

func main() {
	rootCmd := &cobra.Command{Use: "ion-node"}
	rootCmd.AddCommand(runCmd())
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	var env string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "start a full ion-node",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(env)
		},
	}
	cmd.Flags().StringVar(&env, "env", "", "environment overlay config name (cmd/config/<env>.yaml)")
	return cmd
}

func run(env string) error {
	cfg, err := pkgconfig.Load(env)
	if err != nil {
		return fmt.Errorf("ion-node: load config: %w", err)
	}

	logger := log.StandardLogger()
	if lvl, lvlErr := log.ParseLevel(cfg.Logging.Level); lvlErr == nil {
		logger.SetLevel(lvl)
	}
	core.SetIdentityLogger(logger)

	identity, err := core.LoadIdentity(cfg.IdentityPEMPath)
	if err != nil {
		return fmt.Errorf("ion-node: load identity: %w", err)
	}
	logger.WithField("peer_id", identity.ID.Short()).Info("ion-node: identity ready")

	if err := os.MkdirAll(filepath.Dir(cfg.Store.Path), 0o755); err != nil {
		return fmt.Errorf("ion-node: create store directory: %w", err)
	}
	store, err := core.OpenBoltStore(cfg.Store.Path, uint32(cfg.Store.Version))
	if err != nil {
		return fmt.Errorf("ion-node: open store: %w", err)
	}
	defer store.Close()

	bus := core.NewEventBus()
	tangle := core.NewTangle(cfg.Tangle.Partitions, cfg.Tangle.Capacity, store, func(id core.BlockID) {
		bus.Publish(core.EventBlockSolidified, core.BlockSolidifiedEvent{BlockID: id})
	})
	ledger := core.NewLedger(store)
	whiteflag := core.NewWhiteFlag(tangle, ledger, store, bus)

	keys, err := coordinatorKeySet(cfg)
	if err != nil {
		return fmt.Errorf("ion-node: coordinator keys: %w", err)
	}
	applier := core.NewMilestoneApplier(whiteflag, keys)
	applier.SetLogger(logger)

	requester := core.NewRequester(nil, 0, 0)
	requester.SetLogger(logger)
	solidifier := core.NewSolidifier(tangle, requester, bus, applier, applier.CurrentIndex)

	sessionHandler := core.NewNodeSessionHandler(tangle, requester, solidifier, store, bus, logger)

	var pm *core.PeerManager
	var node *core.Node
	onStream := func(s network.Stream) {
		if pm == nil || node == nil {
			return
		}
		id := node.PeerIDForStream(s)
		addr := node.RemoteMultiaddr(s)
		pm.AdoptStream(id, addr, s)
	}

	netCfg := core.Config{
		ListenAddr:     cfg.BindAddress,
		BootstrapPeers: bootstrapPeers(cfg),
		DiscoveryTag:   "ion-node",
	}
	node, err = core.NewNode(netCfg, identity, onStream)
	if err != nil {
		return fmt.Errorf("ion-node: start network: %w", err)
	}
	defer node.Close()

	pm = core.NewPeerManager(node, sessionHandler, logger)
	defer pm.Stop()
	sessionHandler.SetReplier(pm)
	requester.SetDispatcher(pm)

	bootstrapLoader := core.NewBootstrap(snapshotPath(cfg), tangle, ledger, store, requester, logger)
	if err := bootstrapLoader.Load(); err != nil {
		return fmt.Errorf("ion-node: bootstrap: %w", err)
	}
	if err := bootstrapLoader.ResumeSync(uint32(max(cfg.Protocol.MilestoneSyncCount, 1))); err != nil {
		logger.WithError(err).Warn("ion-node: resume sync failed")
	}

	healthLogger, err := core.NewHealthLogger(ledger, tangle, requester, pm, healthLogPath(cfg))
	if err != nil {
		return fmt.Errorf("ion-node: start health logger: %w", err)
	}
	defer healthLogger.Close()

	snapshotMgr := core.NewSnapshotManager(tangle, ledger, store, 0, snapshotPath(cfg), 10*time.Minute, logger)

	var autopeer *core.AutopeeringManager
	if cfg.Autopeering.Enabled {
		autopeer, err = core.NewAutopeeringManager(identity, cfg.Autopeering.BindAddress, cfg.Autopeering.EntryNodes, nil, bus, logger)
		if err != nil {
			return fmt.Errorf("ion-node: start autopeering: %w", err)
		}
	}

	supervisor := core.NewSupervisor(logger)

	// T_net: transport-adjacent loops, highest priority to shut down
	// first so no new work arrives while lower layers are still
	// draining.
	supervisor.Register("requester", 100, func(ctx context.Context) error {
		requester.Run(ctx)
		return nil
	})
	if autopeer != nil {
		supervisor.Register("autopeering", 100, func(ctx context.Context) error {
			autopeer.Run(ctx)
			return nil
		})
	}

	// T_solidifier: eviction keeps tangle memory bounded; mid priority.
	supervisor.Register("tangle_eviction", 50, func(ctx context.Context) error {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				tangle.RunEvictionLoop(tangle.IsSolidEntryPoint)
			}
		}
	})

	// T_ledger: persistence/observability, lowest priority so it
	// flushes last and captures every prior layer's final state.
	supervisor.Register("health_metrics", 10, func(ctx context.Context) error {
		return healthLogger.RunMetricsCollector(ctx, 15*time.Second)
	})
	supervisor.Register("snapshot", 10, func(ctx context.Context) error {
		snapshotMgr.Start()
		<-ctx.Done()
		snapshotMgr.Stop()
		return nil
	})

	supervisor.Run(context.Background())
	logger.Info("ion-node: running")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	logger.Info("ion-node: shutdown signal received")
	health := supervisor.Shutdown()
	logger.WithField("store_health", health.String()).Info("ion-node: shutdown complete")
	if autopeer != nil {
		autopeer.Close()
	}
	return nil
}

// peeringFile is the shape of cfg.PeeringConfigPath: a list of static
// libp2p multiaddrs to dial on startup, independent of mDNS/autopeering
// discovery. Missing or unparsable files are not fatal — a node with no
// seeds yet relies on mDNS and autopeering to find its first peers.
type peeringFile struct {
	BootstrapPeers []string `json:"bootstrap_peers"`
}

func bootstrapPeers(cfg *pkgconfig.Config) []string {
	if cfg.PeeringConfigPath == "" {
		return nil
	}
	raw, err := os.ReadFile(cfg.PeeringConfigPath)
	if err != nil {
		return nil
	}
	var pf peeringFile
	if err := json.Unmarshal(raw, &pf); err != nil {
		return nil
	}
	return pf.BootstrapPeers
}

func snapshotPath(cfg *pkgconfig.Config) string {
	return cfg.Store.Path + ".snapshot"
}

func healthLogPath(cfg *pkgconfig.Config) string {
	if cfg.Logging.File != "" {
		return cfg.Logging.File
	}
	return cfg.Store.Path + ".health.log"
}

// coordinatorKeySet decodes the hex-encoded coordinator public keys and
// key ranges from configuration into the quorum check's native types.
func coordinatorKeySet(cfg *pkgconfig.Config) (core.CoordinatorKeySet, error) {
	var ranges []core.KeyRange
	for _, kr := range cfg.Protocol.KeyRanges {
		pub, err := decodeHexPublicKey(kr.PublicKey)
		if err != nil {
			return core.CoordinatorKeySet{}, err
		}
		ranges = append(ranges, core.KeyRange{PublicKey: pub, StartIndex: kr.StartIndex, EndIndex: kr.EndIndex})
	}
	if len(ranges) == 0 {
		for _, raw := range cfg.Protocol.CoordinatorPublicKeys {
			pub, err := decodeHexPublicKey(raw)
			if err != nil {
				return core.CoordinatorKeySet{}, err
			}
			ranges = append(ranges, core.KeyRange{PublicKey: pub})
		}
	}
	return core.CoordinatorKeySet{Ranges: ranges}, nil
}

func decodeHexPublicKey(s string) (ed25519.PublicKey, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode coordinator public key %q: %w", s, err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("coordinator public key %q has wrong length %d", s, len(raw))
	}
	return ed25519.PublicKey(raw), nil
}
