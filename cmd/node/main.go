// Command node runs the ironledger node service: it serves peers,
// validates and relays blocks and transactions, and answers miner and
// wallet requests over the wire protocol.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/gochain/ironledger/pkg/chain"
	"github.com/gochain/ironledger/pkg/consensus"
	"github.com/gochain/ironledger/pkg/node"
)

var (
	configFile     string
	port           int
	blockchainFile string
	ownerIndexDir  string
	metricsAddr    string
	debug          bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "node [bootstrap-peer ...]",
		Short: "ironledger node: validates blocks and transactions and serves peers",
		RunE:  runNode,
	}

	rootCmd.Flags().StringVar(&configFile, "config", "", "optional YAML config file")
	rootCmd.Flags().IntVar(&port, "port", 9000, "TCP port to listen on")
	rootCmd.Flags().StringVar(&blockchainFile, "blockchain-file", "blockchain.cbor", "path to the on-disk blockchain snapshot")
	rootCmd.Flags().StringVar(&ownerIndexDir, "owner-index-dir", "", "badger directory for the FetchUTXOs owner-index accelerator (disabled if empty)")
	rootCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "address to expose Prometheus-format metrics on (disabled if empty)")
	rootCmd.Flags().BoolVar(&debug, "debug", false, "use a human-readable development logger instead of JSON")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runNode(cmd *cobra.Command, args []string) error {
	if err := loadConfig(); err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log, err := buildLogger()
	if err != nil {
		return fmt.Errorf("constructing logger: %w", err)
	}
	defer log.Sync()

	bc := chain.New(consensus.MinTarget)
	cfg := node.Config{
		ListenAddr:     fmt.Sprintf(":%d", port),
		BlockchainFile: blockchainFile,
		BootstrapPeers: args,
		OwnerIndexDir:  ownerIndexDir,
		MetricsAddr:    metricsAddr,
	}
	srv := node.New(cfg, bc, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("shutting down")
		cancel()
	}()

	return srv.Run(ctx)
}

func loadConfig() error {
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
	}
	viper.SetEnvPrefix("IRONLEDGER")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return err
		}
	}
	return nil
}

func buildLogger() (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
