package main

import (
	"fmt"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/Lllllllleong/documentledger/internal/solana"
)

var (
	keygenOut   string
	keygenForce bool
)

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Create a signer keypair for anchoring",
	Long:  "Create a signer keypair in solana-keygen JSON format. Point SOLANA_KEYPAIR_PATH at it to keep one signer across restarts.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := os.Stat(keygenOut); err == nil && !keygenForce {
			return errors.Newf("%s already exists (use --force to overwrite)", keygenOut)
		}
		kp, err := solana.GenerateKeypair()
		if err != nil {
			return err
		}
		if err := kp.Save(keygenOut); err != nil {
			return errors.Wrapf(err, "failed to write %s", keygenOut)
		}
		fmt.Fprintln(cmd.OutOrStdout(), kp.PublicKey().String())
		return nil
	},
}

func init() {
	keygenCmd.Flags().StringVarP(&keygenOut, "out", "o", "signer.json", "Where to write the keypair")
	keygenCmd.Flags().BoolVar(&keygenForce, "force", false, "Overwrite an existing file")
}
