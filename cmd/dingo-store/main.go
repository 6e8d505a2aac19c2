package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pingcap/log"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/yuhaijun999/dingo-store/kv/config"
	"github.com/yuhaijun999/dingo-store/kv/engine_util"
	"github.com/yuhaijun999/dingo-store/kv/mvcc"
	"github.com/yuhaijun999/dingo-store/kv/raftstore"
	"github.com/yuhaijun999/dingo-store/kv/storage"
)

var (
	configPath string
	replicaID  uint64
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "dingo-store",
		Short: "Distributed multi-model storage engine node",
	}
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a store node",
		RunE:  runServe,
	}
	serveCmd.Flags().StringVarP(&configPath, "config", "c", "", "path to TOML config")
	serveCmd.Flags().Uint64Var(&replicaID, "replica-id", 1, "replica id of this node")
	rootCmd.AddCommand(serveCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	conf := config.NewDefaultConfig()
	if configPath != "" {
		var err error
		conf, err = config.FromFile(configPath)
		if err != nil {
			return err
		}
	}

	logger, props, err := log.InitLogger(&log.Config{Level: conf.LogLevel})
	if err != nil {
		return err
	}
	log.ReplaceGlobals(logger, props)

	db, err := engine_util.OpenPebbleEngine(&conf.Engine)
	if err != nil {
		return err
	}
	defer db.Close()

	tsProvider := mvcc.NewTsProvider(mvcc.NewLocalTsoClient(), conf.TsProvider)
	defer tsProvider.Stop()

	store := raftstore.NewStore(conf, db, replicaID)
	if err := store.Start(); err != nil {
		return err
	}
	defer store.Stop()

	_ = storage.New(db, store, tsProvider)

	log.Info("store node started",
		zap.String("addr", conf.StoreAddr),
		zap.Uint64("replica", replicaID),
		zap.Int("regions", store.Registry().Count()))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutting down", zap.String("signal", sig.String()))
	return nil
}
