// Package settings stores lokitd user credentials.
//
// Credentials live in the XDG data directory:
//
//	$XDG_DATA_HOME/lokitd/auth.json  (default: ~/.local/share/lokitd/auth.json)
//
// The file is a JSON object keyed by backend ID (openai, anthropic,
// gemini). File permissions are 0600 (owner read/write only).
//
// Lookup order for API keys:
//  1. --api-key flag or the api_key field of a job (highest priority)
//  2. the backend's environment variable (OPENAI_API_KEY, ...), then LOKITD_API_KEY
//  3. This credential store
package settings

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/minios-linux/lokitd/translate"
)

const (
	dataDirName = "lokitd"
	fileName    = "auth.json"
)

// Info is the entry stored per backend in auth.json.
type Info struct {
	Key string `json:"key"`
	// BaseURL points the backend at a compatible endpoint.
	BaseURL string `json:"baseUrl,omitempty"`
}

// Store holds all credentials, keyed by backend ID.
type Store map[string]*Info

// EnvVars maps backend IDs to the environment variable holding their key.
var EnvVars = map[string]string{
	translate.BackendOpenAI:    "OPENAI_API_KEY",
	translate.BackendAnthropic: "ANTHROPIC_API_KEY",
	translate.BackendGemini:    "GEMINI_API_KEY",
}

// GenericEnvVar is consulted for any backend without its own variable set.
const GenericEnvVar = "LOKITD_API_KEY"

// ---------------------------------------------------------------------------
// File path
// ---------------------------------------------------------------------------

// dataDir returns the XDG data directory for lokitd.
func dataDir() (string, error) {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, dataDirName), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(home, ".local", "share", dataDirName), nil
}

func filePath() (string, error) {
	dir, err := dataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, fileName), nil
}

// FilePath returns the auth.json file path for display purposes.
func FilePath() string {
	p, err := filePath()
	if err != nil {
		return ""
	}
	return p
}

// ---------------------------------------------------------------------------
// Load / Save
// ---------------------------------------------------------------------------

// Load reads the credential store from disk.
// Returns an empty store if the file doesn't exist or is invalid.
func Load() Store {
	path, err := filePath()
	if err != nil {
		return make(Store)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return make(Store)
	}
	var store Store
	if err := json.Unmarshal(data, &store); err != nil || store == nil {
		return make(Store)
	}
	return store
}

// Save writes the credential store to disk with 0600 permissions.
func Save(store Store) error {
	path, err := filePath()
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(store, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling credentials: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("writing auth file: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Get / Set / Remove
// ---------------------------------------------------------------------------

// Get returns the entry for a backend, or nil if not found.
func Get(backend string) *Info {
	return Load()[backend]
}

// SetAPIKey stores an API key and optional base URL for a backend.
func SetAPIKey(backend, key, baseURL string) error {
	if _, ok := EnvVars[backend]; !ok {
		return fmt.Errorf("unknown backend %q", backend)
	}
	store := Load()
	store[backend] = &Info{Key: key, BaseURL: baseURL}
	return Save(store)
}

// Remove deletes credentials for a backend.
func Remove(backend string) error {
	store := Load()
	if _, ok := store[backend]; !ok {
		return nil
	}
	delete(store, backend)
	return Save(store)
}

// RemoveAll removes all stored credentials.
func RemoveAll() error {
	path, err := filePath()
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing auth file: %w", err)
	}
	return nil
}

// Backends returns the IDs with stored credentials, sorted.
func (s Store) Backends() []string {
	ids := make([]string, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ---------------------------------------------------------------------------
// Resolution
// ---------------------------------------------------------------------------

// ResolveAPIKey returns the key for backend and where it came from
// ("flag", the variable name, "auth.json"), or "" if none is configured.
func ResolveAPIKey(backend, flagValue string) (key, source string) {
	if flagValue != "" {
		return flagValue, "flag"
	}
	if name, ok := EnvVars[backend]; ok {
		if v := os.Getenv(name); v != "" {
			return v, name
		}
	}
	if v := os.Getenv(GenericEnvVar); v != "" {
		return v, GenericEnvVar
	}
	if info := Get(backend); info != nil && info.Key != "" {
		return info.Key, fileName
	}
	return "", ""
}

// Providers merges resolved keys and stored base URLs into overrides for
// translate.NewDefaultRegistry. Entries already present in base keep their
// non-empty fields.
func Providers(base map[string]translate.Provider) map[string]translate.Provider {
	out := make(map[string]translate.Provider, len(EnvVars))
	for id, p := range base {
		out[id] = p
	}
	stored := Load()
	for id := range EnvVars {
		p := out[id]
		if p.APIKey == "" {
			p.APIKey, _ = ResolveAPIKey(id, "")
		}
		if info := stored[id]; info != nil && p.BaseURL == "" {
			p.BaseURL = info.BaseURL
		}
		if p == (translate.Provider{}) {
			continue
		}
		out[id] = p
	}
	return out
}

// ---------------------------------------------------------------------------
// Display helpers
// ---------------------------------------------------------------------------

// MaskKey returns a masked version of a key for display.
func MaskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "..." + key[len(key)-4:]
}
