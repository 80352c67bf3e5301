// Package credential implements layered secret resolution for service
// identifiers used in A2A auth negotiation: a key file, environment
// variables, and (lazily, on demand) the OS keyring, in that priority
// order. It is the Go counterpart of the source project's KeyManager.
package credential

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/joho/godotenv"
	"github.com/zalando/go-keyring"

	"github.com/kadirpekel/agentvault/pkg/a2a"
)

// Source names the origin a credential was resolved from.
type Source string

const (
	SourceFile    Source = "file"
	SourceEnv     Source = "env"
	SourceKeyring Source = "keyring"
)

// defaultEnvPrefix is prepended to a normalized service id to form the
// environment variable name searched for that service's key, e.g.
// AGENTVAULT_KEY_OPENAI for service id "openai".
const defaultEnvPrefix = "AGENTVAULT_KEY_"

// keyringServicePrefix namespaces every keyring entry this package
// writes or reads, so it never collides with unrelated keyring use on
// the same machine.
const keyringServicePrefix = "agentvault:"

// oauthClientIDSuffix and oauthClientSecretSuffix extend a normalized
// service id into the key name used to look up OAuth2 client
// credentials. This convention is implementation-defined (SPEC_FULL.md
// §9) but consistent within a single Resolver: the same suffixes are
// used across file, env, and keyring lookups for a given service id.
const (
	oauthClientIDSuffix     = "_oauth_client_id"
	oauthClientSecretSuffix = "_oauth_client_secret"
)

// Options configures a Resolver.
type Options struct {
	// KeyFilePath, if set, is loaded once at construction. Its
	// extension selects the parser: ".env" (dotenv syntax) or ".json"
	// (a flat string-valued object). Any other extension is a no-op
	// with a logged warning.
	KeyFilePath string
	// UseEnvVars enables loading keys from process environment
	// variables prefixed with EnvPrefix (default AGENTVAULT_KEY_).
	UseEnvVars bool
	// UseKeyring enables the OS keyring as a last-resort, on-demand
	// lookup source. If the keyring backend is unavailable at runtime,
	// lookups fail silently (logged, not raised) and resolution falls
	// through to "not found".
	UseKeyring bool
	// EnvPrefix overrides the default "AGENTVAULT_KEY_" prefix.
	EnvPrefix string
	Logger    *slog.Logger
}

// Resolver resolves service credentials using a sticky, cached
// file>env>keyring precedence: once a key's source is determined, it is
// not re-derived. Three independent namespaces are tracked: plain keys,
// OAuth client ids, and OAuth client secrets.
type Resolver struct {
	keyFilePath string
	useEnvVars  bool
	useKeyring  bool
	envPrefix   string
	logger      *slog.Logger

	mu      sync.Mutex
	keys    map[string]string
	sources map[string]Source
}

// New constructs a Resolver and eagerly loads file- and env-sourced
// credentials. Keyring lookups happen lazily, per key, in GetKey.
func New(opts Options) *Resolver {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	prefix := opts.EnvPrefix
	if prefix == "" {
		prefix = defaultEnvPrefix
	}

	r := &Resolver{
		keyFilePath: opts.KeyFilePath,
		useEnvVars:  opts.UseEnvVars,
		useKeyring:  opts.UseKeyring,
		envPrefix:   prefix,
		logger:      logger,
		keys:        make(map[string]string),
		sources:     make(map[string]Source),
	}

	if r.keyFilePath != "" {
		r.loadFromFile()
	}
	if r.useEnvVars {
		r.loadFromEnv()
	}
	return r
}

func (r *Resolver) loadFromFile() {
	info, err := os.Stat(r.keyFilePath)
	if err != nil {
		r.logger.Warn("key file specified but not found", "path", r.keyFilePath, "error", err)
		return
	}
	if info.IsDir() {
		r.logger.Warn("key file path is a directory, not a file", "path", r.keyFilePath)
		return
	}

	ext := strings.ToLower(filepath.Ext(r.keyFilePath))
	switch ext {
	case ".env":
		r.loadFromEnvFile()
	case ".json":
		r.loadFromJSONFile()
	default:
		r.logger.Warn("unsupported key file extension, only .env and .json are supported", "path", r.keyFilePath, "ext", ext)
	}
}

func (r *Resolver) loadFromEnvFile() {
	values, err := godotenv.Read(r.keyFilePath)
	if err != nil {
		r.logger.Error("failed reading key file", "path", r.keyFilePath, "error", err)
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	loaded := 0
	for key, value := range values {
		if value == "" {
			r.logger.Warn("skipping empty value for key in file", "key", key, "path", r.keyFilePath)
			continue
		}
		id := strings.ToLower(key)
		r.keys[id] = value
		r.sources[id] = SourceFile
		loaded++
	}
	r.logger.Debug("loaded keys from file", "count", loaded, "path", r.keyFilePath)
}

func (r *Resolver) loadFromJSONFile() {
	raw, err := os.ReadFile(r.keyFilePath)
	if err != nil {
		r.logger.Error("failed reading key file", "path", r.keyFilePath, "error", err)
		return
	}
	var data map[string]interface{}
	if err := json.Unmarshal(raw, &data); err != nil {
		r.logger.Error("failed decoding JSON key file", "path", r.keyFilePath, "error", err)
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	loaded := 0
	for key, v := range data {
		s, ok := v.(string)
		if !ok {
			r.logger.Warn("skipping non-string value in JSON key file", "key", key, "path", r.keyFilePath)
			continue
		}
		if s == "" {
			r.logger.Warn("skipping empty string value in JSON key file", "key", key, "path", r.keyFilePath)
			continue
		}
		id := strings.ToLower(key)
		r.keys[id] = s
		r.sources[id] = SourceFile
		loaded++
	}
	r.logger.Debug("loaded keys from file", "count", loaded, "path", r.keyFilePath)
}

func (r *Resolver) loadFromEnv() {
	r.mu.Lock()
	defer r.mu.Unlock()
	loaded := 0
	for _, kv := range os.Environ() {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(name, r.envPrefix) {
			continue
		}
		idPart := name[len(r.envPrefix):]
		if idPart == "" {
			r.logger.Warn("skipping environment variable with empty service id part", "var", name)
			continue
		}
		id := strings.ToLower(idPart)
		if _, exists := r.keys[id]; exists {
			continue
		}
		if value == "" {
			r.logger.Warn("environment variable found but empty, skipping", "var", name)
			continue
		}
		r.keys[id] = value
		r.sources[id] = SourceEnv
		loaded++
	}
	r.logger.Debug("loaded keys from environment", "count", loaded, "prefix", r.envPrefix)
}

// GetKey resolves the credential for serviceID: cache (file/env) first,
// then the OS keyring if enabled, caching whatever is found.
func (r *Resolver) GetKey(serviceID string) (string, bool) {
	return r.resolve(strings.ToLower(serviceID))
}

// GetOAuthClientID resolves the OAuth2 client id for serviceID, under
// its own namespace distinct from GetKey.
func (r *Resolver) GetOAuthClientID(serviceID string) (string, bool) {
	return r.resolve(strings.ToLower(serviceID) + oauthClientIDSuffix)
}

// GetOAuthClientSecret resolves the OAuth2 client secret for serviceID,
// under its own namespace distinct from GetKey.
func (r *Resolver) GetOAuthClientSecret(serviceID string) (string, bool) {
	return r.resolve(strings.ToLower(serviceID) + oauthClientSecretSuffix)
}

func (r *Resolver) resolve(id string) (string, bool) {
	r.mu.Lock()
	if v, ok := r.keys[id]; ok {
		r.mu.Unlock()
		return v, true
	}
	r.mu.Unlock()

	if !r.useKeyring {
		return "", false
	}

	value, err := keyring.Get(keyringServicePrefix+id, id)
	if err != nil {
		if err != keyring.ErrNotFound {
			r.logger.Error("failed to get key from OS keyring", "id", id, "error", err)
		}
		return "", false
	}

	r.mu.Lock()
	r.keys[id] = value
	r.sources[id] = SourceKeyring
	r.mu.Unlock()
	return value, true
}

// GetKeySource reports where the credential for serviceID was resolved
// from, if it has been resolved (via GetKey or one of the OAuth
// getters) at least once. It does not itself trigger a keyring lookup.
func (r *Resolver) GetKeySource(serviceID string) (Source, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sources[strings.ToLower(serviceID)]
	return s, ok
}

// SetKeyInKeyring stores value in the OS keyring under serviceID. It
// requires UseKeyring to have been set at construction.
func (r *Resolver) SetKeyInKeyring(serviceID, value string) error {
	if !r.useKeyring {
		return &a2a.CredentialError{Msg: "keyring support is not enabled for this resolver"}
	}
	id := strings.ToLower(serviceID)
	if err := keyring.Set(keyringServicePrefix+id, id, value); err != nil {
		return &a2a.CredentialError{Msg: fmt.Sprintf("failed to set key in keyring for service %q", id), Cause: err}
	}
	return nil
}
