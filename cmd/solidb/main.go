// SoliDB - a multi-tenant JSON document database.
//
// Run it standalone to host the engine and its peer replication server
// (no client-facing listener is started), or import the root package to
// embed the same engine in another process.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/solisoft/solidb/internal/config"
	"github.com/solisoft/solidb/internal/replication"
	"github.com/solisoft/solidb/internal/snapshot"

	solidb "github.com/solisoft/solidb"
)

var cfgFile string

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	v := config.New()

	root := &cobra.Command{
		Use:   "solidb",
		Short: "SoliDB document database",
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "path to a config file (YAML/JSON/TOML)")
	config.BindFlags(root.PersistentFlags(), v)

	root.AddCommand(serveCmd(v), dumpCmd(v), restoreCmd(v))
	return root
}

func serveCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "run the SoliDB engine and its peer replication server until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(v, cfgFile)
			if err != nil {
				return err
			}
			return runServe(cfg)
		},
	}
}

func runServe(cfg *config.Config) error {
	logger, err := solidb.NewProductionZapLogger()
	if err != nil {
		return fmt.Errorf("solidb: init logger: %w", err)
	}

	peers := make([]replication.Peer, len(cfg.Peers))
	for i, addr := range cfg.Peers {
		peers[i] = replication.Peer{Address: addr}
	}
	sharedKey, err := loadSharedKey(cfg.KeyFile)
	if err != nil {
		return err
	}

	store, err := solidb.NewStoreWithLogger(solidb.Config{
		DataDir:         cfg.DataDir,
		NodeID:          cfg.NodeID,
		ReplicationPort: cfg.ReplicationPort,
		Peers:           peers,
		SharedKey:       sharedKey,
		QueryTimeout:    cfg.QueryTimeout(),
		TxnTimeout:      cfg.TxnTimeout(),
		CursorBatchSize: cfg.CursorBatchSize,
		FsyncOnCommit:   cfg.FsyncOnCommit,
	}, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	logger.Info("solidb started", "replication_port", cfg.ReplicationPort)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	logger.Info("solidb shutting down")
	return nil
}

// loadSharedKey reads the HMAC key used in the replication handshake. A
// missing keyfile yields an empty key, which the handshake does not reject:
// the dialing node only checks the server's HMAC over its nonce against its
// own key, so two nodes without a keyfile still connect to each other.
func loadSharedKey(path string) ([]byte, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("solidb: read keyfile %s: %w", path, err)
	}
	return data, nil
}

func dumpCmd(v *viper.Viper) *cobra.Command {
	var dbName, out string
	cmd := &cobra.Command{
		Use:   "dump",
		Short: "write a JSON snapshot of one database's schema, documents, and index definitions",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(v, cfgFile)
			if err != nil {
				return err
			}
			return runDump(cfg, dbName, out)
		},
	}
	cmd.Flags().StringVar(&dbName, "database", "", "database to dump (required)")
	cmd.Flags().StringVar(&out, "out", "-", "output file, or - for stdout")
	cmd.MarkFlagRequired("database")
	return cmd
}

func runDump(cfg *config.Config, dbName, out string) error {
	store, err := openEngine(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	var w io.Writer = os.Stdout
	if out != "-" {
		f, err := os.Create(out)
		if err != nil {
			return fmt.Errorf("solidb: create %s: %w", out, err)
		}
		defer f.Close()
		w = f
	}
	return snapshot.Dump(context.Background(), store.KV(), store.Catalog(), dbName, w)
}

func restoreCmd(v *viper.Viper) *cobra.Command {
	var in string
	cmd := &cobra.Command{
		Use:   "restore",
		Short: "load a JSON snapshot produced by dump, creating the database/collections/indexes if missing",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(v, cfgFile)
			if err != nil {
				return err
			}
			return runRestore(cfg, in)
		},
	}
	cmd.Flags().StringVar(&in, "in", "-", "input file, or - for stdin")
	return cmd
}

func runRestore(cfg *config.Config, in string) error {
	store, err := openEngine(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	var r io.Reader = os.Stdin
	if in != "-" {
		f, err := os.Open(in)
		if err != nil {
			return fmt.Errorf("solidb: open %s: %w", in, err)
		}
		defer f.Close()
		r = f
	}
	return snapshot.Restore(context.Background(), store.Catalog(), store.Docs(), r)
}

// openEngine opens a Store for one-shot CLI commands (dump/restore) that
// need direct KV/catalog/docstore access rather than the Document API
// surface serve exposes.
func openEngine(cfg *config.Config) (*solidb.Store, error) {
	return solidb.NewStore(solidb.Config{
		DataDir:         cfg.DataDir,
		NodeID:          cfg.NodeID,
		QueryTimeout:    cfg.QueryTimeout(),
		TxnTimeout:      cfg.TxnTimeout(),
		CursorBatchSize: cfg.CursorBatchSize,
		FsyncOnCommit:   cfg.FsyncOnCommit,
	})
}
