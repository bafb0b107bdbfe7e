// Command blockgen builds, mines, and pretty-prints one-off blocks
// without running a node.
package main

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/gochain/ironledger/cmd/internal/keyfile"
	"github.com/gochain/ironledger/pkg/canon"
	"github.com/gochain/ironledger/pkg/chainmodel"
	"github.com/gochain/ironledger/pkg/consensus"
	"github.com/gochain/ironledger/pkg/xbig"
	"github.com/gochain/ironledger/pkg/xhash"
)

func main() {
	root := &cobra.Command{Use: "blockgen"}
	root.AddCommand(mineCmd())
	root.AddCommand(printCmd())
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func mineCmd() *cobra.Command {
	var prevHashHex, targetStr, rewardTo, out string
	var height uint64

	cmd := &cobra.Command{
		Use:   "mine",
		Short: "build and proof-of-work mine a single coinbase-only block",
		RunE: func(cmd *cobra.Command, args []string) error {
			prevHash, err := parseHash(prevHashHex)
			if err != nil {
				return fmt.Errorf("parsing --prev-hash: %w", err)
			}
			target, err := parseTarget(targetStr)
			if err != nil {
				return fmt.Errorf("parsing --target: %w", err)
			}
			pub, err := keyfile.LoadPublicKey(rewardTo)
			if err != nil {
				return fmt.Errorf("loading --reward-to: %w", err)
			}

			coinbase := chainmodel.Transaction{
				Outputs: []chainmodel.TransactionOutput{
					chainmodel.NewTransactionOutput(consensus.ExpectedReward(height), pub),
				},
			}
			root, err := chainmodel.Block{Transactions: []chainmodel.Transaction{coinbase}}.CalculateMerkleRoot()
			if err != nil {
				return fmt.Errorf("computing merkle root: %w", err)
			}

			header := chainmodel.BlockHeader{
				Timestamp:  time.Now().Unix(),
				PrevHash:   prevHash,
				MerkleRoot: root,
				Target:     target,
			}

			for {
				ok, err := consensus.ValidateProofOfWork(header)
				if err != nil {
					return fmt.Errorf("hashing candidate header: %w", err)
				}
				if ok {
					break
				}
				header.Nonce++
				if header.Nonce == 0 {
					header.Timestamp = time.Now().Unix()
				}
			}

			block := chainmodel.Block{Header: header, Transactions: []chainmodel.Transaction{coinbase}}
			data, err := canon.Marshal(block)
			if err != nil {
				return fmt.Errorf("encoding block: %w", err)
			}
			if err := os.WriteFile(out, data, 0644); err != nil {
				return fmt.Errorf("writing %s: %w", out, err)
			}
			fmt.Printf("mined block written to %s (nonce %d)\n", out, header.Nonce)
			return nil
		},
	}

	cmd.Flags().StringVar(&prevHashHex, "prev-hash", hex.EncodeToString(xhash.Zero[:]), "hex-encoded previous block hash")
	cmd.Flags().StringVar(&targetStr, "target", "", "decimal proof-of-work target (defaults to MIN_TARGET)")
	cmd.Flags().Uint64Var(&height, "height", 0, "predicted height, for computing the coinbase reward")
	cmd.Flags().StringVar(&rewardTo, "reward-to", "", "path to a PEM-encoded public key to pay the coinbase to (required)")
	cmd.Flags().StringVar(&out, "out", "block.cbor", "output path for the mined block")
	cmd.MarkFlagRequired("reward-to")

	return cmd
}

func printCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "print <block-file>",
		Short: "pretty-print a saved block",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("reading %s: %w", args[0], err)
			}
			var block chainmodel.Block
			if err := canon.Unmarshal(data, &block); err != nil {
				return fmt.Errorf("decoding %s: %w", args[0], err)
			}
			h, err := block.Hash()
			if err != nil {
				return fmt.Errorf("hashing block: %w", err)
			}
			fmt.Printf("hash:        %s\n", h)
			fmt.Printf("prev_hash:   %s\n", block.Header.PrevHash)
			fmt.Printf("merkle_root: %s\n", block.Header.MerkleRoot)
			fmt.Printf("timestamp:   %d\n", block.Header.Timestamp)
			fmt.Printf("nonce:       %d\n", block.Header.Nonce)
			fmt.Printf("target:      %s\n", block.Header.Target)
			fmt.Printf("transactions: %d\n", len(block.Transactions))
			for i, tx := range block.Transactions {
				txHash, err := tx.Hash()
				if err != nil {
					return fmt.Errorf("hashing tx %d: %w", i, err)
				}
				fmt.Printf("  [%d] %s  inputs=%d outputs=%d value=%d\n", i, txHash, len(tx.Inputs), len(tx.Outputs), tx.OutputValueSum())
			}
			return nil
		},
	}
}

func parseHash(s string) (xhash.Hash, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return xhash.Hash{}, err
	}
	if len(b) != 32 {
		return xhash.Hash{}, fmt.Errorf("expected 32 bytes, got %d", len(b))
	}
	var h xhash.Hash
	copy(h[:], b)
	return h, nil
}

func parseTarget(s string) (xbig.Target, error) {
	if s == "" {
		return consensus.MinTarget, nil
	}
	i, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return xbig.Target{}, fmt.Errorf("invalid decimal target %q", s)
	}
	return xbig.New(i), nil
}
