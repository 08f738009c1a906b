package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/jmcleod/scepd/ca"
	"github.com/jmcleod/scepd/config"
	bboltstorage "github.com/jmcleod/scepd/storage/bbolt"
)

var (
	cfgFile string
	rootDir string
)

var rootCmd = &cobra.Command{
	Use:   "scepd",
	Short: "scepd is a SCEP certificate authority",
	Long: `A Certificate Authority that issues, renews and revokes X.509
certificates for clients enrolling over the SCEP protocol.`,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to YAML config file")
	rootCmd.PersistentFlags().StringVar(&rootDir, "root-dir", "", "CA root storage directory (overrides config)")
}

// loadConfig merges the YAML config file (if any) with flag overrides.
func loadConfig() (*config.Config, error) {
	cfg := config.Defaults()
	if cfgFile != "" {
		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return nil, fmt.Errorf("loading config: %w", err)
		}
	}
	if rootDir != "" {
		cfg.RootDir = rootDir
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// caStack bundles the CA resources shared by every subcommand.
type caStack struct {
	repo     *bboltstorage.Store
	ident    *ca.Identity
	serials  *ca.SerialAllocator
	ledger   *ca.Ledger
	registry *ca.Registry
}

func (s *caStack) Close() error {
	return s.repo.Close()
}

// openStack bootstraps or loads the CA identity and reloads the full ledger
// and revocation history before anything is served.
func openStack(cfg *config.Config) (*caStack, error) {
	if err := os.MkdirAll(cfg.RootDir, 0o700); err != nil {
		return nil, fmt.Errorf("creating CA root directory: %w", err)
	}

	ident, err := ca.LoadIdentity(ca.IdentityConfig{
		Dir:           cfg.RootDir,
		Subject:       cfg.PKIXName(),
		SANDNSName:    cfg.SANDNSName,
		ValidityYears: cfg.CAValidityYears,
	})
	if err != nil {
		return nil, fmt.Errorf("loading CA identity: %w", err)
	}

	repo, err := bboltstorage.NewRepositoryFromFile(filepath.Join(cfg.RootDir, "scepd.db"), nil)
	if err != nil {
		return nil, fmt.Errorf("opening CA store: %w", err)
	}

	serials, err := ca.NewSerialAllocator(repo)
	if err != nil {
		repo.Close()
		return nil, err
	}
	ledger := ca.NewLedger(repo)
	registry, err := ca.NewRegistry(repo, ident, ledger)
	if err != nil {
		repo.Close()
		return nil, err
	}

	return &caStack{
		repo:     repo,
		ident:    ident,
		serials:  serials,
		ledger:   ledger,
		registry: registry,
	}, nil
}
