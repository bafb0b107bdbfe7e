// Command txgen builds, signs, and pretty-prints one-off transactions
// without running a node.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/gochain/ironledger/cmd/internal/keyfile"
	"github.com/gochain/ironledger/pkg/canon"
	"github.com/gochain/ironledger/pkg/chainmodel"
	"github.com/gochain/ironledger/pkg/ckey"
)

func main() {
	root := &cobra.Command{Use: "txgen"}
	root.AddCommand(keygenCmd())
	root.AddCommand(spendCmd())
	root.AddCommand(printCmd())
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func keygenCmd() *cobra.Command {
	var privPath, pubPath string

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "generate a keypair and write both halves as PEM files",
		RunE: func(cmd *cobra.Command, args []string) error {
			priv, err := ckey.GeneratePrivateKey()
			if err != nil {
				return fmt.Errorf("generating key: %w", err)
			}
			if err := keyfile.SavePrivateKey(privPath, priv); err != nil {
				return err
			}
			if err := keyfile.SavePublicKey(pubPath, priv.PublicKey()); err != nil {
				return err
			}
			fmt.Printf("wrote %s and %s\n", privPath, pubPath)
			return nil
		},
	}

	cmd.Flags().StringVar(&privPath, "private-key-file", "key.pem", "output path for the private key")
	cmd.Flags().StringVar(&pubPath, "public-key-file", "key.pub.pem", "output path for the public key")

	return cmd
}

func spendCmd() *cobra.Command {
	var utxoPath, keyPath, toPath, out string
	var value uint64

	cmd := &cobra.Command{
		Use:   "spend",
		Short: "spend a saved UTXO into a single signed transaction",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(utxoPath)
			if err != nil {
				return fmt.Errorf("reading --utxo: %w", err)
			}
			var utxo chainmodel.TransactionOutput
			if err := canon.Unmarshal(data, &utxo); err != nil {
				return fmt.Errorf("decoding --utxo: %w", err)
			}

			priv, err := keyfile.LoadPrivateKey(keyPath)
			if err != nil {
				return fmt.Errorf("loading --key: %w", err)
			}
			to, err := keyfile.LoadPublicKey(toPath)
			if err != nil {
				return fmt.Errorf("loading --to: %w", err)
			}

			utxoHash, err := utxo.Hash()
			if err != nil {
				return fmt.Errorf("hashing utxo: %w", err)
			}
			sig, err := ckey.Sign(utxoHash, priv)
			if err != nil {
				return fmt.Errorf("signing: %w", err)
			}

			if value > utxo.Value {
				return fmt.Errorf("--value %d exceeds utxo value %d", value, utxo.Value)
			}

			tx := chainmodel.Transaction{
				Inputs: []chainmodel.TransactionInput{{
					PrevTransactionOutputHash: utxoHash,
					Signature:                 *sig,
				}},
				Outputs: []chainmodel.TransactionOutput{
					chainmodel.NewTransactionOutput(value, to),
				},
			}

			encoded, err := canon.Marshal(tx)
			if err != nil {
				return fmt.Errorf("encoding transaction: %w", err)
			}
			if err := os.WriteFile(out, encoded, 0644); err != nil {
				return fmt.Errorf("writing %s: %w", out, err)
			}
			fmt.Printf("transaction written to %s\n", out)
			return nil
		},
	}

	cmd.Flags().StringVar(&utxoPath, "utxo", "", "path to a saved TransactionOutput to spend (required)")
	cmd.Flags().StringVar(&keyPath, "key", "", "path to the PEM-encoded private key owning the utxo (required)")
	cmd.Flags().StringVar(&toPath, "to", "", "path to the recipient's PEM-encoded public key (required)")
	cmd.Flags().Uint64Var(&value, "value", 0, "amount to pay the recipient; the remainder becomes miner fee")
	cmd.Flags().StringVar(&out, "out", "tx.cbor", "output path for the signed transaction")
	cmd.MarkFlagRequired("utxo")
	cmd.MarkFlagRequired("key")
	cmd.MarkFlagRequired("to")

	return cmd
}

func printCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "print <tx-file>",
		Short: "pretty-print a saved transaction",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("reading %s: %w", args[0], err)
			}
			var tx chainmodel.Transaction
			if err := canon.Unmarshal(data, &tx); err != nil {
				return fmt.Errorf("decoding %s: %w", args[0], err)
			}
			h, err := tx.Hash()
			if err != nil {
				return fmt.Errorf("hashing transaction: %w", err)
			}
			fmt.Printf("hash:      %s\n", h)
			fmt.Printf("coinbase:  %t\n", tx.IsCoinbase())
			fmt.Printf("inputs:    %d\n", len(tx.Inputs))
			for i, in := range tx.Inputs {
				fmt.Printf("  [%d] spends %s\n", i, in.PrevTransactionOutputHash)
			}
			fmt.Printf("outputs:   %d (total value %d)\n", len(tx.Outputs), tx.OutputValueSum())
			for i, o := range tx.Outputs {
				fmt.Printf("  [%d] value=%d unique_id=%s\n", i, o.Value, o.UniqueID)
			}
			return nil
		},
	}
}
