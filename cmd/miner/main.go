// Command miner runs the miner service: it fetches block
// templates from a node, mines them, and submits solved blocks back.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/gochain/ironledger/cmd/internal/keyfile"
	"github.com/gochain/ironledger/pkg/minersvc"
)

var (
	address       string
	publicKeyFile string
	debug         bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "miner",
		Short: "ironledger miner: mines blocks on behalf of a public key",
		RunE:  runMiner,
	}

	rootCmd.Flags().StringVar(&address, "address", "localhost:9000", "node address (host:port)")
	rootCmd.Flags().StringVar(&publicKeyFile, "public-key-file", "", "path to a PEM-encoded public key (required)")
	rootCmd.Flags().BoolVar(&debug, "debug", false, "use a human-readable development logger instead of JSON")
	rootCmd.MarkFlagRequired("public-key-file")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runMiner(cmd *cobra.Command, args []string) error {
	log, err := buildLogger()
	if err != nil {
		return fmt.Errorf("constructing logger: %w", err)
	}
	defer log.Sync()

	pub, err := keyfile.LoadPublicKey(publicKeyFile)
	if err != nil {
		return fmt.Errorf("loading public key: %w", err)
	}

	conn, err := net.Dial("tcp", address)
	if err != nil {
		return fmt.Errorf("dialing node %s: %w", address, err)
	}

	m := minersvc.New(conn, pub, minersvc.DefaultConfig(), log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("shutting down")
		cancel()
	}()

	if err := m.Run(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("miner stopped: %w", err)
	}
	return nil
}

func buildLogger() (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
