package config

import (
	"encoding/hex"
	"flag"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	StorageBackendLocal  = "local"
	StorageBackendObject = "object_store"

	QueueBackendMemory = "memory"
	QueueBackendBroker = "broker"
)

type Cli struct {
	HTTPAddress         string
	HTTPInternalAddress string
	APIToken            string

	StorageBackend       string
	StorageLocalRoot     string
	StorageBucket        string
	StorageRegion        string
	StorageEndpoint      string
	StoragePublicBaseURL *url.URL
	URLSigningKey        string

	QueueBackend   string
	QueueBrokerURL string

	JobStoreDSN string

	WorkerConcurrency        int
	JobTimeoutSeconds        int
	MaxAttempts              int
	ProgressHeartbeatSeconds int

	AllowedHosts []string

	CredentialEncryptionKey   string
	CredentialRefreshInterval time.Duration
	CredentialBadStrikes      int

	ExtractorBin      string
	ScratchDir        string
	ThumbnailFallback bool
}

func (cli *Cli) JobTimeout() time.Duration {
	return time.Duration(cli.JobTimeoutSeconds) * time.Second
}

func (cli *Cli) HeartbeatInterval() time.Duration {
	return time.Duration(cli.ProgressHeartbeatSeconds) * time.Second
}

// HostAllowed matches a request URL host against the configured allow-list.
// Patterns are exact hostnames or "*.domain" wildcards covering one or more
// leading labels. An empty allow-list rejects everything.
func (cli *Cli) HostAllowed(host string) bool {
	host = strings.ToLower(host)
	for _, pattern := range cli.AllowedHosts {
		pattern = strings.ToLower(strings.TrimSpace(pattern))
		if pattern == "" {
			continue
		}
		if pattern == host {
			return true
		}
		if suffix, ok := strings.CutPrefix(pattern, "*."); ok {
			if host == suffix || strings.HasSuffix(host, "."+suffix) {
				return true
			}
		}
	}
	return false
}

func (cli *Cli) Validate() error {
	switch cli.StorageBackend {
	case StorageBackendLocal, StorageBackendObject:
	default:
		return fmt.Errorf("unknown storage backend %q", cli.StorageBackend)
	}
	if cli.StorageBackend == StorageBackendObject && cli.StorageBucket == "" {
		return fmt.Errorf("storage-bucket is required with the object_store backend")
	}
	switch cli.QueueBackend {
	case QueueBackendMemory, QueueBackendBroker:
	default:
		return fmt.Errorf("unknown queue backend %q", cli.QueueBackend)
	}
	if cli.QueueBackend == QueueBackendBroker && cli.QueueBrokerURL == "" {
		return fmt.Errorf("queue-broker-url is required with the broker backend")
	}
	if cli.WorkerConcurrency < 1 {
		return fmt.Errorf("worker-concurrency must be at least 1")
	}
	if cli.MaxAttempts < 1 {
		return fmt.Errorf("max-attempts must be at least 1")
	}
	if cli.CredentialEncryptionKey != "" {
		key, err := hex.DecodeString(cli.CredentialEncryptionKey)
		if err != nil || len(key) != 32 {
			return fmt.Errorf("credential-encryption-key must be 64 hex chars (32 bytes)")
		}
	}
	return nil
}

func parseURL(s string, dest **url.URL) error {
	u, err := url.Parse(s)
	if err != nil {
		return err
	}
	if _, err = url.ParseQuery(u.RawQuery); err != nil {
		return err
	}
	*dest = u
	return nil
}

func URLVarFlag(fs *flag.FlagSet, dest **url.URL, name, value, usage string) {
	if err := parseURL(value, dest); err != nil {
		panic(err)
	}
	fs.Func(name, usage, func(s string) error {
		return parseURL(s, dest)
	})
}

func parseAddr(s string, dest *string) error {
	if _, _, err := net.SplitHostPort(s); err != nil {
		return err
	}
	*dest = s
	return nil
}

// AddrFlag takes a listen address in host:port form, accepting :port too.
func AddrFlag(fs *flag.FlagSet, dest *string, name, value, usage string) {
	if err := parseAddr(value, dest); err != nil {
		panic(err)
	}
	fs.Func(name, usage, func(s string) error {
		return parseAddr(s, dest)
	})
}

// CommaSliceFlag parses a comma-separated list, trimming whitespace around
// entries. Setting the flag to the empty string clears the default.
func CommaSliceFlag(fs *flag.FlagSet, dest *[]string, name string, defaultValue []string, usage string) {
	*dest = defaultValue
	fs.Func(name, usage, func(s string) error {
		if s == "" {
			*dest = []string{}
			return nil
		}
		split := strings.Split(s, ",")
		out := make([]string, 0, len(split))
		for _, part := range split {
			part = strings.TrimSpace(part)
			if part != "" {
				out = append(out, part)
			}
		}
		*dest = out
		return nil
	})
}

type InvertedBool struct {
	Value *bool
}

func (f InvertedBool) String() string {
	if f.Value == nil {
		return ""
	}
	return strconv.FormatBool(*f.Value)
}

func (f InvertedBool) Set(value string) error {
	b, err := strconv.ParseBool(value)
	if err != nil {
		return err
	}
	*f.Value = !b
	return nil
}

func (f InvertedBool) IsBoolFlag() bool {
	return true
}

// InvertedBoolFlag declares a default-true boolean as its "-no-" negation so
// config files and env vars only ever state the override.
func InvertedBoolFlag(fs *flag.FlagSet, dest *bool, name string, value bool, usage string) {
	*dest = value
	fs.Var(InvertedBool{dest}, "no-"+name, usage)
}
