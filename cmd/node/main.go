// Command node starts a TOL Chain node.
package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tolelom/tolchain/config"
	"github.com/tolelom/tolchain/consensus"
	"github.com/tolelom/tolchain/core"
	"github.com/tolelom/tolchain/crypto/certgen"
	"github.com/tolelom/tolchain/events"
	"github.com/tolelom/tolchain/indexer"
	"github.com/tolelom/tolchain/internal/nodehost"
	"github.com/tolelom/tolchain/network"
	"github.com/tolelom/tolchain/rpc"
	"github.com/tolelom/tolchain/storage"
	"github.com/tolelom/tolchain/vm"
	"github.com/tolelom/tolchain/wallet"

	// Import VM modules to trigger their init() self-registration.
	_ "github.com/tolelom/tolchain/vm/modules/economy"
)

var (
	cfgPath  string
	keyPath  string
	devLog   bool
	certsDir string
)

func main() {
	root := &cobra.Command{
		Use:   "node",
		Short: "Run or administer a TOL Chain node",
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "config.json", "path to config file")
	root.PersistentFlags().StringVar(&keyPath, "key", "validator.key", "path to keystore file")
	root.PersistentFlags().BoolVar(&devLog, "dev", false, "use human-readable development logging instead of JSON")

	start := &cobra.Command{
		Use:   "start",
		Short: "Start the node",
		RunE:  runStart,
	}

	genKey := &cobra.Command{
		Use:   "genkey",
		Short: "Generate a new validator key and exit",
		RunE:  runGenKey,
	}

	genCerts := &cobra.Command{
		Use:   "gencerts",
		Short: "Generate CA + node TLS certs and exit",
		RunE:  runGenCerts,
	}
	genCerts.Flags().StringVar(&certsDir, "dir", "", "directory to write certificates into")
	_ = genCerts.MarkFlagRequired("dir")

	root.AddCommand(start, genKey, genCerts)
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger() (*zap.Logger, error) {
	if devLog {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func loadConfig(log *zap.Logger, path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Warn("config file not found, using defaults", zap.String("path", path))
			return config.DefaultConfig(), nil
		}
		return nil, err
	}
	return cfg, nil
}

func runGenKey(_ *cobra.Command, _ []string) error {
	password := os.Getenv("TOL_PASSWORD")
	w, err := wallet.Generate()
	if err != nil {
		return err
	}
	if err := wallet.SaveKey(keyPath, password, w.PrivKey()); err != nil {
		return err
	}
	fmt.Printf("Generated key. Public key (validator address): %s\n", w.PubKey())
	fmt.Printf("Saved to: %s\n", keyPath)
	return nil
}

func runGenCerts(_ *cobra.Command, _ []string) error {
	log, err := newLogger()
	if err != nil {
		return err
	}
	defer log.Sync()

	cfg, err := loadConfig(log, cfgPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if err := certgen.GenerateAll(certsDir, cfg.NodeID, nil); err != nil {
		return fmt.Errorf("gencerts: %w", err)
	}
	fmt.Printf("Certificates generated in %s for node %q\n", certsDir, cfg.NodeID)
	return nil
}

func runStart(_ *cobra.Command, _ []string) error {
	log, err := newLogger()
	if err != nil {
		return err
	}
	defer log.Sync()

	password := os.Getenv("TOL_PASSWORD")
	if password == "" {
		log.Warn("TOL_PASSWORD not set, keystore will use an empty password")
	}

	cfg, err := loadConfig(log, cfgPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	privKey, err := wallet.LoadKey(keyPath, password)
	if err != nil {
		return fmt.Errorf("load key: %w", err)
	}

	minProposal, skipTimeout, outOfSync, err := cfg.ConsensusDurations()
	if err != nil {
		return fmt.Errorf("consensus config: %w", err)
	}

	// ---- open DB ----
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("mkdir data dir: %w", err)
	}
	db, err := storage.NewLevelDB(cfg.DataDir+"/chain", log)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer db.Close()

	stateDB := db // reuse same DB with different key prefixes
	blockStore := storage.NewLevelBlockStore(db)

	state := storage.NewStateDB(stateDB)

	bc := core.NewBlockchain(blockStore)
	if err := bc.Init(); err != nil {
		return fmt.Errorf("blockchain init: %w", err)
	}

	if bc.Tip() == nil {
		genesisBlock, err := config.CreateGenesisBlock(cfg, state, privKey)
		if err != nil {
			return fmt.Errorf("genesis: %w", err)
		}
		if err := bc.AddBlock(genesisBlock); err != nil {
			return fmt.Errorf("add genesis: %w", err)
		}
		log.Info("genesis block committed", zap.String("hash", genesisBlock.Hash))
	}

	emitter := events.NewEmitter()
	idx := indexer.New(db, emitter)
	mempool := core.NewMempool()
	exec := vm.NewExecutor(state, emitter, cfg.Genesis.ChainID)

	// ---- consensus ----
	// A restart always re-seeds the proposal cache at consensus genesis: the
	// cache only needs to be internally consistent, and a node that fell
	// behind while it was down catches back up through the ordinary
	// EventOutOfSync / EventCatchingUp resync path once peers respond.
	localPeerID := consensus.PeerID(privKey.Public())
	peers, err := validatorPeerIDs(cfg.Validators)
	if err != nil {
		return fmt.Errorf("validators: %w", err)
	}
	genesisProposal := consensus.Genesis(peers)
	engineCfg := consensus.Config{
		MinProposalDuration: minProposal,
		MaxProposalHistory:  cfg.Consensus.MaxProposalHistory,
		SkipTimeout:         skipTimeout,
		OutOfSyncTimeout:    outOfSync,
	}
	engine := consensus.NewEngine(engineCfg, log, genesisProposal, localPeerID)

	// ---- TLS ----
	tlsCfg, err := config.LoadTLSConfig(cfg.TLS)
	if err != nil {
		return fmt.Errorf("tls: %w", err)
	}
	if tlsCfg != nil {
		log.Info("mTLS enabled for P2P")
	}

	// ---- network ----
	p2pAddr := fmt.Sprintf(":%d", cfg.P2PPort)
	nodeID := hex.EncodeToString(privKey.Public())
	node := network.NewNode(nodeID, p2pAddr, mempool, tlsCfg, log)
	syncer := network.NewSyncer(node, engine, log)
	driver, err := nodehost.New(cfg, log, engine, node, syncer, bc, state, exec, mempool, emitter, privKey)
	if err != nil {
		return fmt.Errorf("driver: %w", err)
	}
	if err := node.Start(); err != nil {
		return fmt.Errorf("p2p start: %w", err)
	}
	defer node.Stop()
	log.Info("p2p listening", zap.String("addr", p2pAddr))

	for _, sp := range cfg.SeedPeers {
		if err := node.AddPeer(sp.ID, sp.Addr); err != nil {
			log.Warn("seed peer connect failed", zap.String("id", sp.ID), zap.String("addr", sp.Addr), zap.Error(err))
			continue
		}
		log.Info("connected to seed peer", zap.String("id", sp.ID), zap.String("addr", sp.Addr))
	}

	// ---- RPC ----
	rpcAddr := fmt.Sprintf(":%d", cfg.RPCPort)
	rpcHandler := rpc.NewHandler(bc, mempool, state, idx, cfg.Genesis.ChainID)
	rpcServer := rpc.NewServer(rpcAddr, rpcHandler, cfg.RPCAuthToken, log)
	if err := rpcServer.Start(); err != nil {
		return fmt.Errorf("rpc start: %w", err)
	}
	defer rpcServer.Stop()
	log.Info("rpc listening", zap.String("addr", rpcAddr))
	if cfg.RPCAuthToken != "" {
		log.Info("rpc bearer token authentication enabled")
	}

	// ---- consensus loop ----
	done := make(chan struct{})
	driverDone := make(chan struct{})
	go func() {
		defer close(driverDone)
		driver.Run()
	}()
	go engine.Run(done)
	log.Info("consensus running", zap.String("validator", privKey.Public().Hex()))

	// ---- graceful shutdown ----
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info("shutting down")

	// 1. Stop consensus first (no new blocks written), then wait for the
	// driver to finish draining the engine's event stream.
	close(done)
	engine.Stop()
	select {
	case <-driverDone:
	case <-time.After(5 * time.Second):
		log.Warn("driver did not stop within 5s")
	}

	// 2. Deferred calls run in LIFO: rpcServer.Stop → node.Stop → db.Close
	log.Info("shutdown complete")
	return nil
}

func validatorPeerIDs(hexes []string) ([]consensus.PeerID, error) {
	peers := make([]consensus.PeerID, len(hexes))
	for i, h := range hexes {
		b, err := hex.DecodeString(h)
		if err != nil {
			return nil, fmt.Errorf("[%d]: %w", i, err)
		}
		peers[i] = consensus.PeerID(b)
	}
	return peers, nil
}
