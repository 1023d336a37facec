package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/vocdoni/stx-mixer-relayer/api"
	"github.com/vocdoni/stx-mixer-relayer/circuits"
	"github.com/vocdoni/stx-mixer-relayer/config"
	"github.com/vocdoni/stx-mixer-relayer/coordinator"
	"github.com/vocdoni/stx-mixer-relayer/crypto/hash/poseidon"
	"github.com/vocdoni/stx-mixer-relayer/events"
	"github.com/vocdoni/stx-mixer-relayer/indexer"
	"github.com/vocdoni/stx-mixer-relayer/log"
	"github.com/vocdoni/stx-mixer-relayer/secrets"
	"github.com/vocdoni/stx-mixer-relayer/service"
	"github.com/vocdoni/stx-mixer-relayer/signer"
	"github.com/vocdoni/stx-mixer-relayer/stacks"
	"github.com/vocdoni/stx-mixer-relayer/stacks/rpc"
	"github.com/vocdoni/stx-mixer-relayer/storage"
	"github.com/vocdoni/stx-mixer-relayer/storage/postgres"
	"github.com/vocdoni/stx-mixer-relayer/tree"
)

// artifactsTimeout bounds the download of the verification key.
const artifactsTimeout = 5 * time.Minute

type flags struct {
	configPath string
	fs         *flag.FlagSet

	host, network, apiURL, contract, tokenContract, relayerKey string
	vkey, vkeyURL, vkeyHash, db, dataDir, pgURL                string
	events, natsURL, logLevel, logOutput                       string
	brokers                                                    []string
	port                                                       int
	fee                                                        uint64
	pollInterval                                               time.Duration
	noIndexer                                                  bool
}

func parseFlags(args []string) (*flags, error) {
	f := &flags{fs: flag.NewFlagSet("relayer", flag.ContinueOnError)}
	d := config.Default()
	f.fs.StringVarP(&f.configPath, "config", "c", "", "YAML configuration file")
	f.fs.StringVar(&f.host, "host", d.API.Host, "API listen host")
	f.fs.IntVarP(&f.port, "port", "p", d.API.Port, "API listen port")
	f.fs.StringVar(&f.network, "network", d.Chain.Network, "Stacks network (mainnet, testnet, devnet)")
	f.fs.StringVar(&f.apiURL, "apiUrl", "", "Stacks API endpoint, the network default if empty")
	f.fs.StringVar(&f.contract, "contract", "", "mixer contract principal (ADDRESS.name)")
	f.fs.StringVar(&f.tokenContract, "tokenContract", "", "token contract passed to withdraw, if any")
	f.fs.StringVar(&f.relayerKey, "relayerKey", "", "relayer private key: hex, env:NAME or aws:SECRET_ID[#field]")
	f.fs.Uint64Var(&f.fee, "fee", d.Relayer.Fee, "transaction fee in micro STX")
	f.fs.StringVar(&f.vkey, "vkey", "", "path of the withdrawal circuit verification key")
	f.fs.StringVar(&f.vkeyURL, "vkeyUrl", "", "URL to download the verification key from")
	f.fs.StringVar(&f.vkeyHash, "vkeyHash", "", "sha256 of the verification key")
	f.fs.StringVar(&f.db, "db", d.Storage.Driver, "leaf storage driver (pebble, memory, postgres)")
	f.fs.StringVar(&f.dataDir, "dataDir", d.Storage.DataDir, "pebble data directory")
	f.fs.StringVar(&f.pgURL, "pgUrl", "", "postgres connection string")
	f.fs.StringVar(&f.events, "events", d.Events.Driver, "event bus driver (none, stdio, kafka, nats)")
	f.fs.StringSliceVar(&f.brokers, "brokers", nil, "kafka brokers")
	f.fs.StringVar(&f.natsURL, "natsUrl", "", "nats server URL")
	f.fs.DurationVar(&f.pollInterval, "pollInterval", d.Indexer.PollInterval, "indexer polling interval")
	f.fs.BoolVar(&f.noIndexer, "noIndexer", false, "do not poll the contract events")
	f.fs.StringVar(&f.logLevel, "logLevel", d.Log.Level, "log level (debug, info, warn, error)")
	f.fs.StringVar(&f.logOutput, "logOutput", d.Log.Output, "log output (stdout, stderr or a file path)")
	if err := f.fs.Parse(args); err != nil {
		return nil, err
	}
	return f, nil
}

// apply overrides the configuration with the flags set on the command line.
func (f *flags) apply(cfg *config.Config) {
	set := f.fs.Changed
	if set("host") {
		cfg.API.Host = f.host
	}
	if set("port") {
		cfg.API.Port = f.port
	}
	if set("network") {
		cfg.Chain.Network = f.network
	}
	if set("apiUrl") {
		cfg.Chain.APIURL = f.apiURL
	}
	if set("contract") {
		cfg.Contract.Mixer = f.contract
	}
	if set("tokenContract") {
		cfg.Contract.Token = f.tokenContract
	}
	if set("relayerKey") {
		cfg.Relayer.Key = f.relayerKey
	}
	if set("fee") {
		cfg.Relayer.Fee = f.fee
	}
	if set("vkey") {
		cfg.Circuit.VerificationKey = f.vkey
	}
	if set("vkeyUrl") {
		cfg.Circuit.VerificationKeyURL = f.vkeyURL
	}
	if set("vkeyHash") {
		cfg.Circuit.VerificationKeyHash = f.vkeyHash
	}
	if set("db") {
		cfg.Storage.Driver = f.db
	}
	if set("dataDir") {
		cfg.Storage.DataDir = f.dataDir
	}
	if set("pgUrl") {
		cfg.Storage.PostgresDSN = f.pgURL
	}
	if set("events") {
		cfg.Events.Driver = f.events
	}
	if set("brokers") {
		cfg.Events.Brokers = f.brokers
	}
	if set("natsUrl") {
		cfg.Events.NATSURL = f.natsURL
	}
	if set("pollInterval") {
		cfg.Indexer.PollInterval = f.pollInterval
	}
	if set("noIndexer") {
		cfg.Indexer.Disabled = f.noIndexer
	}
	if set("logLevel") {
		cfg.Log.Level = f.logLevel
	}
	if set("logOutput") {
		cfg.Log.Output = f.logOutput
	}
}

func main() {
	f, err := parseFlags(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	cfg, err := config.Load(f.configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	f.apply(cfg)
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	var errOutput io.Writer
	if cfg.Log.ErrorFile != "" {
		fd, err := os.OpenFile(cfg.Log.ErrorFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
		if err != nil {
			fmt.Fprintf(os.Stderr, "cannot open error log file: %v\n", err)
			os.Exit(2)
		}
		defer fd.Close()
		errOutput = fd
	}
	log.Init(cfg.Log.Level, cfg.Log.Output, errOutput)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if err := run(ctx, cfg); err != nil {
		log.Fatal(err)
	}
	log.Info("relayer stopped")
}

// run wires the relayer components and blocks until ctx is done.
func run(ctx context.Context, cfg *config.Config) error {
	network, err := cfg.Network()
	if err != nil {
		return err
	}

	// relayer key, resolved from the environment or the secrets manager
	resolver := &secrets.Resolver{}
	rawKey, err := resolver.Resolve(ctx, cfg.Relayer.Key)
	if err != nil {
		return fmt.Errorf("resolve relayer key: %w", err)
	}
	sig, err := signer.New(rawKey)
	if err != nil {
		return fmt.Errorf("relayer key: %w", err)
	}
	relayerAddress := sig.Address(network.AddressVersion).String()
	apiKey := cfg.Chain.APIKey
	if apiKey != "" {
		if apiKey, err = resolver.Resolve(ctx, apiKey); err != nil {
			return fmt.Errorf("resolve stacks api key: %w", err)
		}
	}
	log.Infow("relayer account", "address", relayerAddress, "network", network.Name)

	// hash engine, the tree is unusable until the zero hashes are ready
	engine := poseidon.NewEngine(cfg.Circuit.Depth)
	if err := engine.Wait(ctx); err != nil {
		return fmt.Errorf("poseidon engine: %w", err)
	}
	commitments, err := tree.New(engine, cfg.Circuit.Depth)
	if err != nil {
		return err
	}

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Warnw("failed to close storage", "error", err)
		}
	}()

	coordCfg := coordinator.Config{
		Network:         &network,
		SubmitTimeout:   cfg.Relayer.SubmitTimeout,
		RecipientSignal: cfg.Circuit.RecipientSignal,
		AmountSignal:    cfg.Circuit.AmountSignal,
	}
	verifier, err := loadVerifier(ctx, cfg, coordCfg.RequiredSignals())
	if err != nil {
		return err
	}

	producer, err := events.NewProducer(events.Config{
		Driver:      cfg.Events.Driver,
		TopicPrefix: cfg.Events.TopicPrefix,
		Brokers:     cfg.Events.Brokers,
		NATSURL:     cfg.Events.NATSURL,
	})
	if err != nil {
		return fmt.Errorf("event producer: %w", err)
	}
	publisher := events.NewPublisher(producer, cfg.Events.TopicPrefix)
	defer func() {
		if err := publisher.Close(); err != nil {
			log.Warnw("failed to close event producer", "error", err)
		}
	}()

	contracts, err := newContracts(cfg, network, apiKey, sig)
	if err != nil {
		return err
	}
	tipCtx, cancel := context.WithTimeout(ctx, cfg.Chain.Timeout)
	height, err := contracts.BlockHeight(tipCtx)
	cancel()
	if err != nil {
		log.Warnw("stacks node unreachable, the indexer will retry", "error", err)
	} else {
		log.Infow("stacks node reachable", "tipHeight", height)
	}

	coord, err := coordinator.New(verifier, commitments, sig, contracts, publisher, coordCfg)
	if err != nil {
		return err
	}
	ix, err := indexer.New(contracts, commitments, store, publisher, indexer.Config{
		PageSize: cfg.Indexer.PageSize,
		MaxPages: cfg.Indexer.MaxPages,
		Timeout:  cfg.Chain.Timeout,
	})
	if err != nil {
		return err
	}
	if err := ix.Restore(ctx); err != nil {
		return fmt.Errorf("restore tree: %w", err)
	}

	if !cfg.Indexer.Disabled {
		indexerSvc := service.NewIndexer(ix, cfg.Indexer.PollInterval)
		if err := indexerSvc.Start(ctx); err != nil {
			return err
		}
		defer indexerSvc.Stop()
	} else {
		log.Warn("indexer disabled, deposits are only synced on deposit-event requests")
	}

	apiSvc := service.NewAPI(&api.APIConfig{
		Host:           cfg.API.Host,
		Port:           cfg.API.Port,
		CORSOrigins:    cfg.API.CORSOrigins,
		Tree:           commitments,
		Withdrawals:    coord,
		Deposits:       ix,
		Indexer:        ix,
		RelayerAddress: relayerAddress,
		Network:        network.Name,
		Contract:       contracts.ContractID(),
	})
	if err := apiSvc.Start(ctx); err != nil {
		return err
	}
	defer apiSvc.Stop()

	log.Infow("relayer started",
		"contract", contracts.ContractID(),
		"api", apiSvc.Addr(),
		"leaves", commitments.LeafCount())
	<-ctx.Done()
	return nil
}

func openStore(ctx context.Context, cfg *config.Config) (storage.LeafStore, error) {
	switch cfg.Storage.Driver {
	case config.DriverPostgres:
		store, err := postgres.Open(ctx, cfg.Storage.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres storage: %w", err)
		}
		return store, nil
	default:
		store, err := storage.Open(cfg.Storage.Driver, cfg.Storage.DataDir)
		if err != nil {
			return nil, fmt.Errorf("open storage: %w", err)
		}
		return store, nil
	}
}

func loadVerifier(ctx context.Context, cfg *config.Config, requiredSignals int) (*circuits.Verifier, error) {
	if cfg.Circuit.ArtifactsDir != "" {
		circuits.BaseDir = cfg.Circuit.ArtifactsDir
	}
	vkey := &circuits.Artifact{
		Name:      config.DefaultVerificationKeyName,
		LocalPath: cfg.Circuit.VerificationKey,
		RemoteURL: cfg.Circuit.VerificationKeyURL,
		Hash:      cfg.VerificationKeyHash(),
	}
	if vkey.LocalPath == "" && vkey.RemoteURL == "" {
		vkey.LocalPath = config.DefaultVerificationKeyPath
	}
	if err := service.LoadArtifacts(ctx, artifactsTimeout, vkey); err != nil {
		return nil, fmt.Errorf("load verification key: %w", err)
	}
	verifier, err := circuits.LoadVerifier(ctx, vkey, cfg.Circuit.VerifyTimeout)
	if err != nil {
		return nil, err
	}
	if verifier.NPublic() < requiredSignals {
		return nil, fmt.Errorf("verification key has %d public signals, at least %d expected",
			verifier.NPublic(), requiredSignals)
	}
	return verifier, nil
}

func newContracts(cfg *config.Config, network stacks.Network, apiKey string, sig *signer.Signer) (*stacks.Contracts, error) {
	client, err := rpc.New(cfg.APIURL(), apiKey)
	if err != nil {
		return nil, err
	}
	client.SetTimeout(cfg.Chain.Timeout)
	if cfg.Chain.Retries > 0 {
		client.SetRetries(cfg.Chain.Retries)
	}
	mixer, err := stacks.ParsePrincipal(cfg.Contract.Mixer)
	if err != nil {
		return nil, err
	}
	ccfg := stacks.ContractsConfig{
		Network:             network,
		Contract:            mixer,
		Fee:                 cfg.Relayer.Fee,
		WithdrawFunction:    cfg.Contract.WithdrawFunction,
		UpdateRootFunction:  cfg.Contract.UpdateRootFunction,
		CurrentRootFunction: cfg.Contract.CurrentRootFunction,
	}
	if cfg.Contract.Token != "" {
		token, err := stacks.ParsePrincipal(cfg.Contract.Token)
		if err != nil {
			return nil, err
		}
		ccfg.TokenContract = &token
	}
	return stacks.NewContracts(client, ccfg, sig.PrivateKey())
}
