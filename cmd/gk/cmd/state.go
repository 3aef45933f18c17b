package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Instance is a registered gatekeeper deployment.
type Instance struct {
	BaseURL        string `json:"base_url"`
	ProxyPath      string `json:"proxy_path"`
	APIKeyHeader   string `json:"api_key_header"`
	ClientIDHeader string `json:"client_id_header"`
	ClientID       string `json:"client_id"`
	Active         bool   `json:"active"`
}

// Instances is the on-disk instance registry.
type Instances struct {
	Instances []Instance `json:"instances"`
}

// KeyPairRecord is a locally stored keypair bound to an instance.
type KeyPairRecord struct {
	InstanceBaseURL string `json:"instance_base_url"`
	Scheme          string `json:"scheme"`
	PrivateKeyHex   string `json:"private_key_hex"`
	PublicKeyBase64 string `json:"public_key_base64"`
}

// KeyPairs is the on-disk keypair registry.
type KeyPairs struct {
	KeyPairs []KeyPairRecord `json:"keypairs"`
}

// CachedAPIKey is the most recently issued key for an instance; it is only
// re-fetched once expired.
type CachedAPIKey struct {
	InstanceBaseURL string    `json:"instance_base_url"`
	APIKey          string    `json:"api_key"`
	ExpiresAt       time.Time `json:"expires_at"`
}

// APIKeys is the on-disk API key cache.
type APIKeys struct {
	APIKeys []CachedAPIKey `json:"api_keys"`
}

const (
	instancesFile = "instances.json"
	keypairsFile  = "keypairs.json"
	apikeysFile   = "apikeys.json"
)

// dataDir resolves the state directory: GK_HOME when set, else ~/.gk.
func dataDir() (string, error) {
	if dir := os.Getenv("GK_HOME"); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".gk"), nil
}

// loadState reads a JSON state file into v. A missing file leaves v at its
// zero value.
func loadState(name string, v any) error {
	dir, err := dataDir()
	if err != nil {
		return err
	}
	raw, err := os.ReadFile(filepath.Join(dir, name))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("parse %s: %w", name, err)
	}
	return nil
}

// saveState writes v as indented JSON, creating the state dir if needed.
func saveState(name string, v any) error {
	dir, err := dataDir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, name), raw, 0o600)
}

// findInstance returns the instance with the given base URL.
func findInstance(baseURL string) (*Instance, error) {
	var reg Instances
	if err := loadState(instancesFile, &reg); err != nil {
		return nil, err
	}
	for i := range reg.Instances {
		if reg.Instances[i].BaseURL == baseURL {
			return &reg.Instances[i], nil
		}
	}
	return nil, fmt.Errorf("instance not found: %s", baseURL)
}

// resolveInstance returns the named instance, or the active one when
// baseURL is empty.
func resolveInstance(baseURL string) (*Instance, error) {
	if baseURL != "" {
		return findInstance(baseURL)
	}
	var reg Instances
	if err := loadState(instancesFile, &reg); err != nil {
		return nil, err
	}
	for i := range reg.Instances {
		if reg.Instances[i].Active {
			return &reg.Instances[i], nil
		}
	}
	return nil, fmt.Errorf("no active instance; run \"gk activate <base_url>\" or pass --instance")
}

// findKeyPair returns the stored keypair for an instance.
func findKeyPair(baseURL string) (*KeyPairRecord, error) {
	var reg KeyPairs
	if err := loadState(keypairsFile, &reg); err != nil {
		return nil, err
	}
	for i := range reg.KeyPairs {
		if reg.KeyPairs[i].InstanceBaseURL == baseURL {
			return &reg.KeyPairs[i], nil
		}
	}
	return nil, fmt.Errorf("no keypair for %s; run \"gk keygen %s\"", baseURL, baseURL)
}
