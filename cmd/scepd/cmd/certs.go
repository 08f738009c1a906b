package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmcleod/scepd/ca"
)

var certsSerial uint64

var certsCmd = &cobra.Command{
	Use:   "certs",
	Short: "List issued certificates",
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

		if certsSerial != 0 {
			ic, err := stack.ledger.BySerial(certsSerial)
			if err != nil {
				return err
			}
			printCert(ic, stack.registry.IsRevoked(ic.Serial))
			fmt.Print(ic.CertificatePEM)
			return nil
		}

		all, err := stack.ledger.All()
		if err != nil {
			return err
		}
		for _, ic := range all {
			printCert(ic, stack.registry.IsRevoked(ic.Serial))
		}
		return nil
	},
}

func printCert(ic *ca.IssuedCertificate, revoked bool) {
	status := "valid"
	switch {
	case revoked:
		status = "revoked"
	case time.Now().After(ic.NotAfter):
		status = "expired"
	}
	fmt.Printf("%6d  %-8s  %-30s  expires %s\n",
		ic.Serial, status, ic.Subject, ic.NotAfter.UTC().Format(time.RFC3339))
}

func init() {
	rootCmd.AddCommand(certsCmd)
	certsCmd.Flags().Uint64Var(&certsSerial, "serial", 0, "Show a single certificate (with PEM) by serial")
}
