// Package config holds the runtime configuration for the scepd CA service.
package config

import (
	"crypto/x509/pkix"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Subject is the CA certificate Subject Name.
type Subject struct {
	CommonName   string `yaml:"commonName"`
	Organization string `yaml:"organization"`
	Country      string `yaml:"country"`
}

// Config holds scepd runtime configuration. The CA engine treats it as
// immutable after startup.
type Config struct {
	RootDir          string  `yaml:"rootDir"`          // CA storage root, default "./ca-data"
	ListenAddr       string  `yaml:"listenAddr"`       // default ":8080"
	Subject          Subject `yaml:"subject"`          // CA Subject Name
	SANDNSName       string  `yaml:"sanDNSName"`       // SAN on the CA certificate, optional
	Challenge        string  `yaml:"challenge"`        // static enrollment secret; empty = enrollment by renewal only
	CAValidityYears  int     `yaml:"caValidityYears"`  // default 10
	CertValidityDays int     `yaml:"certValidityDays"` // issued certificate lifetime, default 365
}

// Defaults returns a Config with sane defaults.
func Defaults() *Config {
	return &Config{
		RootDir:    "./ca-data",
		ListenAddr: ":8080",
		Subject: Subject{
			CommonName:   "SCEPD CA",
			Organization: "scepd",
			Country:      "US",
		},
		CAValidityYears:  10,
		CertValidityDays: 365,
	}
}

// Load reads a YAML config file and merges with defaults.
func Load(path string) (*Config, error) {
	c := Defaults()
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(b, c); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return c, nil
}

// Validate checks that the config values are sane.
func (c *Config) Validate() error {
	if c.RootDir == "" {
		return fmt.Errorf("rootDir must not be empty")
	}
	if c.ListenAddr == "" {
		return fmt.Errorf("listenAddr must not be empty")
	}
	if c.Subject.CommonName == "" {
		return fmt.Errorf("subject.commonName must not be empty")
	}
	if c.CAValidityYears <= 0 {
		return fmt.Errorf("caValidityYears must be positive, got %d", c.CAValidityYears)
	}
	if c.CertValidityDays <= 0 {
		return fmt.Errorf("certValidityDays must be positive, got %d", c.CertValidityDays)
	}
	return nil
}

// PKIXName converts the configured Subject to a pkix.Name.
func (c *Config) PKIXName() pkix.Name {
	name := pkix.Name{CommonName: c.Subject.CommonName}
	if c.Subject.Organization != "" {
		name.Organization = []string{c.Subject.Organization}
	}
	if c.Subject.Country != "" {
		name.Country = []string{c.Subject.Country}
	}
	return name
}
