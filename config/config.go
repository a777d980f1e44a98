// Package config loads the node configuration and generates first-run
// artifacts: a sample config file and a self-signed mTLS certificate
// set shared by servers and replicas.
package config

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"
)

// Node roles.
const (
	RolePrimary = "primary"
	RoleReplica = "replica"
)

// Config represents one node's configuration.
type Config struct {
	Role        string `json:"role"`
	Port        string `json:"port"`
	DataDir     string `json:"data_dir"`
	Debug       bool   `json:"debug"`
	MaxConns    int    `json:"max_conns"`
	MetricsAddr string `json:"metrics_addr"`

	// Primary only.
	CompactAfterFrames  uint64 `json:"compact_after_frames"`
	IdleShutdownTimeout string `json:"idle_shutdown_timeout"`

	// Replica only.
	ReplicaID   string `json:"replica_id"`
	PrimaryAddr string `json:"primary_addr"`

	TLSCertFile       string `json:"tls_cert_file"`
	TLSKeyFile        string `json:"tls_key_file"`
	TLSCAFile         string `json:"tls_ca_file"`
	TLSClientCertFile string `json:"tls_client_cert_file"`
	TLSClientKeyFile  string `json:"tls_client_key_file"`
}

// Load reads and validates the config file at path.
func Load(path, homeDir string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}

	cfg.DataDir = ResolvePath(homeDir, cfg.DataDir)
	cfg.TLSCertFile = ResolvePath(homeDir, cfg.TLSCertFile)
	cfg.TLSKeyFile = ResolvePath(homeDir, cfg.TLSKeyFile)
	cfg.TLSCAFile = ResolvePath(homeDir, cfg.TLSCAFile)
	cfg.TLSClientCertFile = ResolvePath(homeDir, cfg.TLSClientCertFile)
	cfg.TLSClientKeyFile = ResolvePath(homeDir, cfg.TLSClientKeyFile)

	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// IdleTimeout parses the idle shutdown duration. Empty or "0" disables
// idle shutdown.
func (c Config) IdleTimeout() (time.Duration, error) {
	if c.IdleShutdownTimeout == "" || c.IdleShutdownTimeout == "0" {
		return 0, nil
	}
	return time.ParseDuration(c.IdleShutdownTimeout)
}

// ResolvePath returns an absolute path relative to the home directory if strictly necessary.
func ResolvePath(homeDir, path string) string {
	if path == "" {
		return homeDir
	}
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(homeDir, path)
}

// Validate ensures the role is known and critical security parameters are present.
func Validate(cfg Config) error {
	switch cfg.Role {
	case RolePrimary:
	case RoleReplica:
		if cfg.PrimaryAddr == "" {
			return fmt.Errorf("replica role requires 'primary_addr'")
		}
		if cfg.ReplicaID == "" {
			return fmt.Errorf("replica role requires 'replica_id'")
		}
	default:
		return fmt.Errorf("unknown role %q: must be %q or %q", cfg.Role, RolePrimary, RoleReplica)
	}
	if cfg.TLSCertFile == "" || cfg.TLSKeyFile == "" || cfg.TLSCAFile == "" {
		return fmt.Errorf("security critical: 'tls_cert_file', 'tls_key_file', and 'tls_ca_file' must be set")
	}
	if _, err := cfg.IdleTimeout(); err != nil {
		return fmt.Errorf("bad 'idle_shutdown_timeout': %w", err)
	}
	return nil
}

// GenerateConfigArtifacts creates a sample directory structure and certificates.
func GenerateConfigArtifacts(homeDir string, defaultCfg Config, configPath string) error {
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		return fmt.Errorf("error creating home directory: %w", err)
	}

	for _, d := range []string{"certs", "data"} {
		if err := os.MkdirAll(ResolvePath(homeDir, d), 0o755); err != nil {
			return fmt.Errorf("failed to create %s directory: %w", d, err)
		}
	}

	certsDir := filepath.Dir(ResolvePath(homeDir, defaultCfg.TLSCertFile))
	if err := generateCerts(certsDir); err != nil {
		return fmt.Errorf("error generating certs: %w", err)
	}
	fmt.Printf("Certificates generated in: %s\n", certsDir)

	data, err := json.MarshalIndent(defaultCfg, "", "  ")
	if err != nil {
		return fmt.Errorf("error generating config json: %w", err)
	}
	if err := os.WriteFile(configPath, data, 0o644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}
	fmt.Printf("Sample configuration written to %s\n", configPath)
	return nil
}

func generateCerts(outDir string) error {
	writePEM := func(filename, typeStr string, bytes []byte) error {
		path := filepath.Join(outDir, filename)
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		defer f.Close()
		return pem.Encode(f, &pem.Block{Type: typeStr, Bytes: bytes})
	}

	caPriv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return err
	}
	caTemplate := x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{Organization: []string{"Whimbrel CA"}},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(10 * 365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	caBytes, err := x509.CreateCertificate(rand.Reader, &caTemplate, &caTemplate, &caPriv.PublicKey, caPriv)
	if err != nil {
		return err
	}
	if err := writePEM("ca.crt", "CERTIFICATE", caBytes); err != nil {
		return err
	}

	genLeaf := func(name string, sn int64, hosts []string) error {
		priv, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			return err
		}
		tmpl := x509.Certificate{
			SerialNumber: big.NewInt(sn),
			Subject:      pkix.Name{Organization: []string{"Whimbrel " + name}},
			NotBefore:    time.Now(),
			NotAfter:     time.Now().Add(365 * 24 * time.Hour),
			KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
			ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
			DNSNames:     hosts,
			IPAddresses:  []net.IP{net.ParseIP("127.0.0.1"), net.IPv6loopback},
		}
		b, err := x509.CreateCertificate(rand.Reader, &tmpl, &caTemplate, &priv.PublicKey, caPriv)
		if err != nil {
			return err
		}
		if err := writePEM(name+".crt", "CERTIFICATE", b); err != nil {
			return err
		}
		return writePEM(name+".key", "RSA PRIVATE KEY", x509.MarshalPKCS1PrivateKey(priv))
	}

	if err := genLeaf("server", 2, []string{"localhost"}); err != nil {
		return err
	}
	return genLeaf("client", 3, nil)
}
