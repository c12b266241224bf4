// Command agencyd runs one node of an agency cluster: a Raft-replicated
// hierarchical key/value coordinator. It wires logstore.BoltStore,
// transport.HTTPTransport, api.Server and agency.Agent together behind
// a cobra command tree, following the way cuemby-warren's cmd/warren
// lays out a root command with persistent flags and one *cobra.Command
// var per subcommand.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/sumimakito/agency"
	"github.com/sumimakito/agency/api"
	"github.com/sumimakito/agency/config"
	"github.com/sumimakito/agency/logstore"
	"github.com/sumimakito/agency/transport"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "agencyd",
	Short: "agencyd runs one node of a Raft-replicated hierarchical key/value agency",
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-dev", false, "Use the human-readable development log encoder instead of JSON")
	rootCmd.PersistentFlags().String("data-dir", "./agency-data", "Directory holding this node's bbolt log store")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(bootstrapCmd)
	rootCmd.AddCommand(inspectCmd)
}

func buildLogger(cmd *cobra.Command) (*zap.SugaredLogger, error) {
	dev, _ := cmd.Flags().GetBool("log-dev")
	level, _ := cmd.Flags().GetString("log-level")

	var zapCfg zap.Config
	if dev {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}
	atomicLevel := zap.NewAtomicLevel()
	if err := atomicLevel.UnmarshalText([]byte(strings.ToLower(level))); err != nil {
		return nil, fmt.Errorf("invalid --log-level %q: %w", level, err)
	}
	zapCfg.Level = atomicLevel
	logger, err := zapCfg.Build()
	if err != nil {
		return nil, err
	}
	return logger.Sugar(), nil
}

// --- serve ---

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start this node and serve client + peer traffic",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("id", "", "This node's id (required)")
	serveCmd.Flags().String("bind-addr", "127.0.0.1:8529", "Address to serve HTTP client + peer traffic on")
	serveCmd.Flags().StringSlice("pool", nil, "Pool member as id=endpoint (repeatable)")
	serveCmd.Flags().StringSlice("active", nil, "Comma-separated ids of the initial active set")
	serveCmd.Flags().Duration("min-ping", 0, "Override minPing (e.g. 500ms)")
	serveCmd.Flags().Duration("max-ping", 0, "Override maxPing (e.g. 2.5s)")
	serveCmd.Flags().Float64("timeout-mult", 0, "Override timeoutMult")
	serveCmd.Flags().Bool("wait-for-sync", true, "Override waitForSync")
	serveCmd.Flags().Int("max-append-size", 0, "Override maxAppendSize")
	serveCmd.Flags().Uint64("compaction-keep-size", 0, "Override compactionKeepSize")
	serveCmd.Flags().Uint64("compaction-step", 1000, "BoltStore internal compaction bucket step")
	serveCmd.Flags().String("config", "", "Optional YAML file of config overrides, see config.Overrides")
	serveCmd.MarkFlagRequired("id")
}

func runServe(cmd *cobra.Command, args []string) error {
	logger, err := buildLogger(cmd)
	if err != nil {
		return err
	}
	defer logger.Sync()

	dataDir, _ := cmd.Flags().GetString("data-dir")
	id, _ := cmd.Flags().GetString("id")
	bindAddr, _ := cmd.Flags().GetString("bind-addr")
	compactionStep, _ := cmd.Flags().GetUint64("compaction-step")

	// Persistence failures at boot are fatal: no partial state is
	// acceptable, so these use Must1/Must2 rather than a returned error
	// the caller could try to paper over.
	agency.Must1(os.MkdirAll(dataDir, 0o755))
	ls := agency.Must2(logstore.NewBoltStore(dataDir+"/agency.db", compactionStep))
	defer ls.Close()

	overrides, err := buildOverrides(cmd)
	if err != nil {
		return err
	}

	persisted := &config.Config{ID: id, WaitForSync: config.Default().WaitForSync}
	active, pool, ok, err := ls.LoadActiveAgents()
	agency.Must1(err)
	if ok {
		persisted.Active = active
		persisted.Pool = pool
	} else {
		persisted.Pool = parsePool(mustStringSlice(cmd, "pool"))
		persisted.Active = parseActive(cmd, persisted.Pool, id)
	}

	cfg := config.Merge(persisted, overrides)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	agency.Must1(ls.PersistActiveAgents(cfg.Active, cfg.Pool))

	trans := transport.NewHTTPTransport()
	a, err := agency.NewAgent(id, ls, trans, cfg, logger)
	if err != nil {
		return fmt.Errorf("create agent: %w", err)
	}
	a.Start()

	server := api.NewServer(a, logger)
	errCh := make(chan error, 1)
	go func() {
		if err := server.Serve(bindAddr); err != nil {
			errCh <- err
		}
	}()
	logger.Infow("agencyd serving", "id", id, "bindAddr", bindAddr, "active", cfg.Active)

	select {
	case sig := <-agency.TerminalSignalCh():
		logger.Infow("shutting down", "signal", sig.String())
	case err := <-errCh:
		logger.Errorw("http server error", "error", err)
	}
	a.Shutdown()
	return nil
}

func buildOverrides(cmd *cobra.Command) (config.Overrides, error) {
	var ov config.Overrides
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return ov, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &ov); err != nil {
			return ov, fmt.Errorf("parse config file: %w", err)
		}
	}
	if v, _ := cmd.Flags().GetDuration("min-ping"); v > 0 {
		ov.MinPing = &v
	}
	if v, _ := cmd.Flags().GetDuration("max-ping"); v > 0 {
		ov.MaxPing = &v
	}
	if v, _ := cmd.Flags().GetFloat64("timeout-mult"); v > 0 {
		ov.TimeoutMult = &v
	}
	if cmd.Flags().Changed("wait-for-sync") {
		v, _ := cmd.Flags().GetBool("wait-for-sync")
		ov.WaitForSync = &v
	}
	if v, _ := cmd.Flags().GetInt("max-append-size"); v > 0 {
		ov.MaxAppendSize = &v
	}
	if v, _ := cmd.Flags().GetUint64("compaction-keep-size"); v > 0 {
		ov.CompactionKeepSize = &v
	}
	return ov, nil
}

func mustStringSlice(cmd *cobra.Command, name string) []string {
	v, _ := cmd.Flags().GetStringSlice(name)
	return v
}

func parsePool(entries []string) map[string]string {
	pool := map[string]string{}
	for _, e := range entries {
		parts := strings.SplitN(e, "=", 2)
		if len(parts) == 2 {
			pool[parts[0]] = parts[1]
		}
	}
	return pool
}

func parseActive(cmd *cobra.Command, pool map[string]string, self string) []string {
	raw, _ := cmd.Flags().GetStringSlice("active")
	if len(raw) == 0 {
		ids := make([]string, 0, len(pool))
		for id := range pool {
			ids = append(ids, id)
		}
		if len(ids) == 0 {
			ids = []string{self}
		}
		return ids
	}
	return raw
}

// --- bootstrap ---

var bootstrapCmd = &cobra.Command{
	Use:   "bootstrap",
	Short: "Persist the initial pool/active membership for a new data directory",
	RunE:  runBootstrap,
}

func init() {
	bootstrapCmd.Flags().String("id", "", "This node's id (required)")
	bootstrapCmd.Flags().StringSlice("pool", nil, "Pool member as id=endpoint (repeatable, required)")
	bootstrapCmd.Flags().StringSlice("active", nil, "Comma-separated ids of the initial active set (defaults to the whole pool)")
	bootstrapCmd.Flags().Uint64("compaction-step", 1000, "BoltStore internal compaction bucket step")
	bootstrapCmd.MarkFlagRequired("id")
	bootstrapCmd.MarkFlagRequired("pool")
}

func runBootstrap(cmd *cobra.Command, args []string) error {
	id, _ := cmd.Flags().GetString("id")
	dataDir, _ := cmd.Flags().GetString("data-dir")
	compactionStep, _ := cmd.Flags().GetUint64("compaction-step")

	agency.Must1(os.MkdirAll(dataDir, 0o755))
	ls := agency.Must2(logstore.NewBoltStore(dataDir+"/agency.db", compactionStep))
	defer ls.Close()

	pool := parsePool(mustStringSlice(cmd, "pool"))
	active := parseActive(cmd, pool, id)
	cfg := config.Config{ID: id, Pool: pool, Active: active, CompactionKeepSize: 1000}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	agency.Must1(ls.PersistActiveAgents(active, pool))
	fmt.Printf("bootstrapped %s: pool=%v active=%v\n", dataDir, pool, active)
	return nil
}

// --- inspect ---

var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Print the persisted log/snapshot/membership state of a data directory",
	RunE:  runInspect,
}

func init() {
	inspectCmd.Flags().Uint64("compaction-step", 1000, "BoltStore internal compaction bucket step")
}

func runInspect(cmd *cobra.Command, args []string) error {
	dataDir, _ := cmd.Flags().GetString("data-dir")
	compactionStep, _ := cmd.Flags().GetUint64("compaction-step")

	ls, err := logstore.NewBoltStore(dataDir+"/agency.db", compactionStep)
	if err != nil {
		return fmt.Errorf("open log store: %w", err)
	}
	defer ls.Close()

	active, pool, ok, err := ls.LoadActiveAgents()
	if err != nil {
		return fmt.Errorf("load membership: %w", err)
	}
	fmt.Printf("data dir:      %s\n", dataDir)
	if ok {
		fmt.Printf("active:        %v\n", active)
		fmt.Printf("pool:          %v\n", pool)
	} else {
		fmt.Println("active/pool:   <none persisted>")
	}
	fmt.Printf("firstIndex:    %d\n", ls.FirstIndex())
	fmt.Printf("lastIndex:     %d\n", ls.LastIndex())
	lastIdx, lastTerm := ls.LastLog()
	fmt.Printf("lastLog:       index=%d term=%d\n", lastIdx, lastTerm)
	term, votedFor, err := ls.LoadTermVote()
	if err != nil {
		return fmt.Errorf("load term/vote: %w", err)
	}
	fmt.Printf("currentTerm:   %d\n", term)
	fmt.Printf("votedFor:      %q\n", votedFor)
	if snap, ok, err := ls.LoadLastCompactedSnapshot(); err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	} else if ok {
		fmt.Printf("last snapshot: index=%d term=%d size=%dB\n", snap.Index, snap.Term, len(snap.StoreImage))
	} else {
		fmt.Println("last snapshot: <none>")
	}
	return nil
}
