package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var caCmd = &cobra.Command{
	Use:   "ca",
	Short: "Manage the CA identity",
}

var caInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Bootstrap the CA identity without starting the server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		stack, err := openStack(cfg)
		if err != nil {
			return err
		}
		defer stack.Close()

		cert := stack.ident.Certificate()
		fmt.Printf("CA ready under %s\n", cfg.RootDir)
		fmt.Printf("  Subject:    %s\n", stack.ident.SubjectString())
		fmt.Printf("  Not after:  %s\n", cert.NotAfter.UTC().Format(time.RFC3339))
		return nil
	},
}

var caInfoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show CA identity and issuance state",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		stack, err := openStack(cfg)
		if err != nil {
			return err
		}
		defer stack.Close()

		cert := stack.ident.Certificate()
		count, err := stack.ledger.Count()
		if err != nil {
			return err
		}

		fmt.Printf("Subject:      %s\n", stack.ident.SubjectString())
		fmt.Printf("Not before:   %s\n", cert.NotBefore.UTC().Format(time.RFC3339))
		fmt.Printf("Not after:    %s\n", cert.NotAfter.UTC().Format(time.RFC3339))
		fmt.Printf("Next serial:  %d\n", stack.serials.Current()+1)
		fmt.Printf("CRL number:   %d\n", stack.registry.CRLNumber())
		fmt.Printf("Issued certs: %d\n", count)
		fmt.Printf("Revoked:      %d\n", len(stack.registry.Entries()))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(caCmd)
	caCmd.AddCommand(caInitCmd)
	caCmd.AddCommand(caInfoCmd)
}
