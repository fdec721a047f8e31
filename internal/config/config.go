// Package config parses the capture agent's command-line flags (via
// github.com/alecthomas/kong, the CLI library the teacher's sibling example
// jivetalking wires for its own entrypoint) and its small persisted YAML
// override file, producing an immutable Agent configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/alecthomas/kong"
	"gopkg.in/yaml.v3"
)

// DefaultListenAddr is the well-known bind address spec.md §6 requires.
const DefaultListenAddr = "127.0.0.1:9469"

// DefaultTrustedOrigins matches the prototype's hard-coded ALLOWED_ORIGINS
// (server.py), generalized per SPEC_FULL.md §3 into an overridable list.
var DefaultTrustedOrigins = []string{
	"https://sounddocs.org",
	"http://localhost:5173",
}

// CLI is the kong command-line schema. Struct tags mirror the teacher
// sibling jivetalking's cmd/jivetalking/main.go CLI declaration.
type CLI struct {
	Listen         string   `help:"Address to bind the TLS/WebSocket listener on." default:"127.0.0.1:9469"`
	TrustedOrigin  []string `help:"Additional trusted Origin header value (repeatable). Defaults are always included."`
	ConfigFile     string   `help:"Path to the persisted YAML config (allow-list / listen overrides)." type:"path"`
	CertFile       string   `help:"TLS certificate path." type:"path"`
	KeyFile        string   `help:"TLS private key path." type:"path"`
	Verbose        bool     `short:"v" help:"Enable debug logging."`
	Version        bool     `help:"Show version information and exit."`
}

// Agent is the fully-resolved, immutable configuration the entrypoint
// hands to the transport and session layers. It carries only the ambient
// concerns (listen address, TLS material, trusted origins); per-capture
// settings are not part of it and are supplied later over the wire by a
// `start` message (spec.md §6).
type Agent struct {
	ListenAddr     string
	TrustedOrigins []string
	CertFile       string
	KeyFile        string
	Verbose        bool
}

// persisted is the on-disk shape of ~/.captureagent/config.yaml: the
// agent's only durable state besides the TLS key pair itself (spec.md §6).
type persisted struct {
	ListenAddr     string   `yaml:"listen_addr"`
	TrustedOrigins []string `yaml:"trusted_origins"`
}

// DefaultConfigPath returns ~/.captureagent/config.yaml, creating no
// directories or files.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".captureagent/config.yaml"
	}
	return filepath.Join(home, ".captureagent", "config.yaml")
}

// DefaultCertPath and DefaultKeyPath are the well-known per-user TLS
// material paths spec.md §6 leaves provisioning of out of scope, but whose
// location this package still owns.
func DefaultCertPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".captureagent", "cert.pem")
}

func DefaultKeyPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".captureagent", "key.pem")
}

// Parse parses os.Args into an Agent, merging in the persisted YAML
// override file when present. CLI flags take precedence over the file,
// except that a --listen value equal to DefaultListenAddr cannot be told
// apart from the flag's default and leaves the file's listen_addr in
// effect; the file's trusted origins are appended to (not a replacement
// for) the compiled-in defaults.
func Parse(version string) (*Agent, error) {
	cli := &CLI{}
	kong.Parse(cli,
		kong.Name("captureagent"),
		kong.Description("Local dual-channel TF/coherence/SPL/delay capture agent"),
		kong.UsageOnError(),
		kong.Vars{"version": version},
	)

	if cli.Version {
		fmt.Println(version)
		os.Exit(0)
	}

	configPath := cli.ConfigFile
	if configPath == "" {
		configPath = DefaultConfigPath()
	}
	p, err := loadPersisted(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config file %s: %w", configPath, err)
	}

	agent := &Agent{
		ListenAddr:     DefaultListenAddr,
		TrustedOrigins: append([]string{}, DefaultTrustedOrigins...),
		CertFile:       DefaultCertPath(),
		KeyFile:        DefaultKeyPath(),
		Verbose:        cli.Verbose,
	}

	if p != nil {
		if p.ListenAddr != "" {
			agent.ListenAddr = p.ListenAddr
		}
		agent.TrustedOrigins = append(agent.TrustedOrigins, p.TrustedOrigins...)
	}

	if cli.Listen != "" && cli.Listen != DefaultListenAddr {
		agent.ListenAddr = cli.Listen
	}
	agent.TrustedOrigins = append(agent.TrustedOrigins, cli.TrustedOrigin...)

	if cli.CertFile != "" {
		agent.CertFile = cli.CertFile
	}
	if cli.KeyFile != "" {
		agent.KeyFile = cli.KeyFile
	}

	return agent, nil
}

// loadPersisted reads the YAML override file. A missing file is not an
// error: it simply means no overrides apply.
func loadPersisted(path string) (*persisted, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var p persisted
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	return &p, nil
}
