package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/ainvaltin/httpsrv"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/vibeswap/vibeswap/engine"
	"github.com/vibeswap/vibeswap/keyvaluedb/boltdb"
	"github.com/vibeswap/vibeswap/logger"
	"github.com/vibeswap/vibeswap/rpc"
	"github.com/vibeswap/vibeswap/types"
)

const (
	defaultServerAddr   = "localhost:8002"
	defaultJournalFile  = "journal.db"
	defaultPoolsCfgFile = "pools.yaml"
	defaultMaxBodySize  = 1 << 20 // 1MB
)

type (
	runConfiguration struct {
		Base *baseConfiguration

		Address      string
		MaxBodySize  int64
		DBFile       string
		PoolsCfgFile string
	}

	// poolsConfig is the static pool set the engine serves. Everything
	// here is access and routing configuration, the execution safety
	// parameters are protocol constants.
	poolsConfig struct {
		Pools []poolEntry `yaml:"pools"`
	}

	poolEntry struct {
		// hex encoded pool identifier
		ID string `yaml:"id"`
		// fixed point reference value, scaled by 1e8
		Reference uint64 `yaml:"reference"`
		Liquidity uint64 `yaml:"liquidity"`
		// basis point split of slashed deposits, must sum to 10000
		Splits []splitEntry `yaml:"splits"`
	}

	splitEntry struct {
		Destination string `yaml:"destination"`
		FractionBP  uint32 `yaml:"fraction_bp"`
	}

	// staticCollaborators serves the reference oracle and treasury
	// interfaces from the pools config file. A deployment against live
	// reserves plugs its own implementations into engine.New instead.
	staticCollaborators struct {
		pools map[types.PoolID]poolEntry
	}

	// openEligibility admits every participant to every pool.
	openEligibility struct{}
)

func newRunCmd(baseConfig *baseConfiguration) *cobra.Command {
	config := &runConfiguration{Base: baseConfig}
	var cmd = &cobra.Command{
		Use:   "run",
		Short: "Starts the settlement engine and its REST API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEngine(cmd.Context(), config)
		},
	}
	cmd.Flags().StringVar(&config.Address, "server-address", defaultServerAddr, "REST server address")
	cmd.Flags().Int64Var(&config.MaxBodySize, "server-max-body-size", defaultMaxBodySize, "maximum request body size in bytes")
	cmd.Flags().StringVar(&config.DBFile, "journal-db", "", fmt.Sprintf("journal database file (default $VS_HOME/%s)", defaultJournalFile))
	cmd.Flags().StringVar(&config.PoolsCfgFile, "pools-config", "", fmt.Sprintf("pools config file (default $VS_HOME/%s)", defaultPoolsCfgFile))
	return cmd
}

func runEngine(ctx context.Context, config *runConfiguration) error {
	observe := config.Base.observe
	log := observe.Logger().With(logger.NodeID(uuid.NewString()))

	pools, err := loadPoolsConfig(config.poolsCfgFilename())
	if err != nil {
		return fmt.Errorf("loading pools configuration: %w", err)
	}

	db, err := boltdb.New(config.journalFilename())
	if err != nil {
		return fmt.Errorf("opening journal database: %w", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Warn("closing journal database", logger.Error(err))
		}
	}()

	collab := &staticCollaborators{pools: map[types.PoolID]poolEntry{}}
	var poolIDs []types.PoolID
	for _, p := range pools.Pools {
		id, err := strconv.ParseUint(p.ID, 16, 32)
		if err != nil {
			return fmt.Errorf("invalid pool ID %q: %w", p.ID, err)
		}
		collab.pools[types.PoolID(id)] = p
		poolIDs = append(poolIDs, types.PoolID(id))
	}

	e, err := engine.New(collab, collab, openEligibility{}, db, observe)
	if err != nil {
		return fmt.Errorf("creating engine: %w", err)
	}
	for _, id := range poolIDs {
		if err := e.AddPool(id); err != nil {
			return fmt.Errorf("registering pool: %w", err)
		}
	}

	registrars := []rpc.Registrar{rpc.EngineEndpoints(e, observe)}
	if mh := observe.MetricsHandler(); mh != nil {
		registrars = append(registrars, rpc.RegistrarFunc(func(r *mux.Router) {
			r.Handle("/metrics", mh).Methods(http.MethodGet)
		}))
	}
	server := rpc.NewRESTServer(config.Address, config.MaxBodySize, observe, registrars...)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.Run(ctx) })
	g.Go(func() error {
		log.Info(fmt.Sprintf("REST server starting on %s, serving %d pools", config.Address, len(poolIDs)))
		return httpsrv.Run(ctx, server, httpsrv.ShutdownTimeout(5*time.Second))
	})
	return g.Wait()
}

func loadPoolsConfig(filename string) (*poolsConfig, error) {
	f, err := os.Open(filepath.Clean(filename))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	cfg := &poolsConfig{}
	if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", filename, err)
	}
	if len(cfg.Pools) == 0 {
		return nil, fmt.Errorf("no pools defined in %s", filename)
	}
	for _, p := range cfg.Pools {
		if err := types.ValidSplits(splits(p.Splits)); err != nil {
			return nil, fmt.Errorf("pool %s: %w", p.ID, err)
		}
	}
	return cfg, nil
}

func (c *runConfiguration) journalFilename() string {
	if c.DBFile != "" {
		return c.DBFile
	}
	return filepath.Join(c.Base.HomeDir, defaultJournalFile)
}

func (c *runConfiguration) poolsCfgFilename() string {
	if c.PoolsCfgFile != "" {
		return c.PoolsCfgFile
	}
	return filepath.Join(c.Base.HomeDir, defaultPoolsCfgFile)
}

func (s *staticCollaborators) Reference(_ context.Context, pool types.PoolID) (uint64, uint64, error) {
	p, ok := s.pools[pool]
	if !ok {
		return 0, 0, fmt.Errorf("no reference configured for pool %s", pool)
	}
	return p.Reference, p.Liquidity, nil
}

func (s *staticCollaborators) SlashSplits(pool types.PoolID) []types.SlashSplit {
	return splits(s.pools[pool].Splits)
}

func splits(entries []splitEntry) []types.SlashSplit {
	out := make([]types.SlashSplit, len(entries))
	for i, e := range entries {
		out[i] = types.SlashSplit{Destination: e.Destination, FractionBP: e.FractionBP}
	}
	return out
}

func (openEligibility) IsEligible(_ context.Context, _ types.PoolID, _ types.ParticipantID) (bool, error) {
	return true, nil
}
