package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jmcleod/scepd/ca"
)

var (
	revokeSerial uint64
	revokeReason string
)

var revokeCmd = &cobra.Command{
	Use:   "revoke",
	Short: "Revoke an issued certificate by serial",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		reason, err := ca.ParseReason(revokeReason)
		if err != nil {
			return err
		}

		stack, err := openStack(cfg)
		if err != nil {
			return err
		}
		defer stack.Close()

		err = stack.registry.Revoke(revokeSerial, reason)
		switch {
		case errors.Is(err, ca.ErrAlreadyRevoked):
			// Confirmation, not failure: the serial is revoked.
			fmt.Printf("serial %d was already revoked\n", revokeSerial)
			return nil
		case err != nil:
			return err
		}

		fmt.Printf("revoked serial %d (%s)\n", revokeSerial, revokeReason)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(revokeCmd)
	revokeCmd.Flags().Uint64Var(&revokeSerial, "serial", 0, "Serial number to revoke")
	revokeCmd.Flags().StringVar(&revokeReason, "reason", "unspecified", "Revocation reason (e.g. keyCompromise, superseded)")
	revokeCmd.MarkFlagRequired("serial")
}
