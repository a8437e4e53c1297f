package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"sync"

	"golang.org/x/crypto/argon2"
)

// VaultFile is the default vault file name, relative to the working
// directory the assistant is started from.
const VaultFile = ".organaiser.vault"

const (
	vaultVersion = 2

	kdfTime    = 3
	kdfMemory  = 64 * 1024
	kdfThreads = 4
	kdfKeyLen  = 32
	kdfSaltLen = 16

	// checkPlaintext is sealed at creation; opening it proves the password.
	checkPlaintext = "organaiser"
)

var (
	// ErrLocked is returned when a secret is read or written before Unlock.
	ErrLocked = errors.New("vault is locked")
	// ErrWrongPassword is returned by Unlock for a bad master password.
	ErrWrongPassword = errors.New("wrong vault password")
	// ErrSecretName is returned for names that cannot be used as
	// environment variables.
	ErrSecretName = errors.New("secret names must look like environment variables (A-Z, 0-9, _)")
)

var secretName = regexp.MustCompile(`^[A-Z_][A-Z0-9_]*$`)

// KnownSecrets are the secrets the assistant looks for, in the order
// `organaiser vault list` reports them.
var KnownSecrets = []string{EnvOpenAIKey, EnvAnthropicKey, EnvOpenRouterKey, EnvDiscordToken}

// sealed is one AES-256-GCM ciphertext with its nonce.
type sealed struct {
	Nonce string `json:"nonce"`
	Data  string `json:"data"`
}

type vaultFile struct {
	Version int               `json:"version"`
	Salt    string            `json:"salt"`
	Check   sealed            `json:"check"`
	Secrets map[string]sealed `json:"secrets"`
}

// Vault keeps the assistant's API keys and bot token encrypted on disk.
// Secrets are named after the environment variables they stand in for, so
// an unlocked vault can back ${VAR} references in the config. The key is
// derived from a master password with Argon2id; each secret is sealed with
// its name as associated data, so ciphertexts cannot be moved between
// names.
type Vault struct {
	path string

	mu   sync.RWMutex
	file *vaultFile
	key  []byte
}

// NewVault returns a locked vault stored at path.
func NewVault(path string) *Vault {
	return &Vault{path: path}
}

// Path returns the vault file path.
func (v *Vault) Path() string { return v.path }

// Exists reports whether a vault was created at the path.
func (v *Vault) Exists() bool {
	_, err := os.Stat(v.path)
	return err == nil
}

// IsUnlocked reports whether secrets can be read.
func (v *Vault) IsUnlocked() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.key != nil
}

// Create writes an empty vault protected by password and leaves it
// unlocked.
func (v *Vault) Create(password string) error {
	if v.Exists() {
		return fmt.Errorf("vault already exists at %s", v.path)
	}
	salt := make([]byte, kdfSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("vault salt: %w", err)
	}
	key := deriveVaultKey(password, salt)
	check, err := seal(key, "", []byte(checkPlaintext))
	if err != nil {
		return err
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	v.key = key
	v.file = &vaultFile{
		Version: vaultVersion,
		Salt:    base64.StdEncoding.EncodeToString(salt),
		Check:   check,
		Secrets: make(map[string]sealed),
	}
	return v.saveLocked()
}

// Unlock reads the vault and keeps the derived key in memory. It fails with
// ErrWrongPassword when password does not open the check value.
func (v *Vault) Unlock(password string) error {
	raw, err := os.ReadFile(v.path)
	if err != nil {
		return fmt.Errorf("read vault: %w", err)
	}
	var f vaultFile
	if err := json.Unmarshal(raw, &f); err != nil {
		return fmt.Errorf("vault %s is corrupt: %w", v.path, err)
	}
	if f.Version != vaultVersion {
		return fmt.Errorf("vault %s has unsupported version %d", v.path, f.Version)
	}
	salt, err := base64.StdEncoding.DecodeString(f.Salt)
	if err != nil {
		return fmt.Errorf("vault %s has a bad salt: %w", v.path, err)
	}
	key := deriveVaultKey(password, salt)
	if plain, err := open(key, "", f.Check); err != nil || string(plain) != checkPlaintext {
		return ErrWrongPassword
	}
	if f.Secrets == nil {
		f.Secrets = make(map[string]sealed)
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	v.key = key
	v.file = &f
	return nil
}

// Lock wipes the key from memory.
func (v *Vault) Lock() {
	v.mu.Lock()
	defer v.mu.Unlock()
	clear(v.key)
	v.key = nil
}

// CheckSecretName returns ErrSecretName unless name can be used as an
// environment variable.
func CheckSecretName(name string) error {
	if !secretName.MatchString(name) {
		return fmt.Errorf("%q: %w", name, ErrSecretName)
	}
	return nil
}

// Set encrypts value under name and saves the vault.
func (v *Vault) Set(name, value string) error {
	if err := CheckSecretName(name); err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.key == nil {
		return ErrLocked
	}
	s, err := seal(v.key, name, []byte(value))
	if err != nil {
		return fmt.Errorf("seal %s: %w", name, err)
	}
	v.file.Secrets[name] = s
	return v.saveLocked()
}

// Get returns the secret stored under name, or "" when there is none.
func (v *Vault) Get(name string) (string, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.key == nil {
		return "", ErrLocked
	}
	s, ok := v.file.Secrets[name]
	if !ok {
		return "", nil
	}
	plain, err := open(v.key, name, s)
	if err != nil {
		return "", fmt.Errorf("secret %s cannot be decrypted: %w", name, err)
	}
	return string(plain), nil
}

// Delete removes a secret and saves the vault.
func (v *Vault) Delete(name string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.key == nil {
		return ErrLocked
	}
	delete(v.file.Secrets, name)
	return v.saveLocked()
}

// Keys returns the stored secret names, sorted.
func (v *Vault) Keys() ([]string, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.key == nil {
		return nil, ErrLocked
	}
	return slices.Sorted(maps.Keys(v.file.Secrets)), nil
}

// Missing returns the KnownSecrets the vault does not hold.
func (v *Vault) Missing() ([]string, error) {
	keys, err := v.Keys()
	if err != nil {
		return nil, err
	}
	var missing []string
	for _, name := range KnownSecrets {
		if !slices.Contains(keys, name) {
			missing = append(missing, name)
		}
	}
	return missing, nil
}

// Export sets an environment variable for every stored secret, overriding
// values already in the environment, and returns how many were set.
func (v *Vault) Export() (int, error) {
	keys, err := v.Keys()
	if err != nil {
		return 0, err
	}
	n := 0
	for _, name := range keys {
		val, err := v.Get(name)
		if err != nil {
			return n, err
		}
		if val == "" {
			continue
		}
		if err := os.Setenv(name, val); err != nil {
			return n, fmt.Errorf("export %s: %w", name, err)
		}
		n++
	}
	return n, nil
}

// ---------- Internal ----------

func deriveVaultKey(password string, salt []byte) []byte {
	return argon2.IDKey([]byte(password), salt, kdfTime, kdfMemory, kdfThreads, kdfKeyLen)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func seal(key []byte, name string, plain []byte) (sealed, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return sealed{}, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return sealed{}, err
	}
	return sealed{
		Nonce: base64.StdEncoding.EncodeToString(nonce),
		Data:  base64.StdEncoding.EncodeToString(gcm.Seal(nil, nonce, plain, []byte(name))),
	}, nil
}

func open(key []byte, name string, s sealed) ([]byte, error) {
	nonce, err := base64.StdEncoding.DecodeString(s.Nonce)
	if err != nil {
		return nil, err
	}
	data, err := base64.StdEncoding.DecodeString(s.Data)
	if err != nil {
		return nil, err
	}
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != gcm.NonceSize() {
		return nil, errors.New("bad nonce")
	}
	return gcm.Open(nil, nonce, data, []byte(name))
}

// saveLocked writes the vault atomically. Caller holds v.mu.
func (v *Vault) saveLocked() error {
	data, err := json.MarshalIndent(v.file, "", "  ")
	if err != nil {
		return fmt.Errorf("encode vault: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(v.path), 0o700); err != nil {
		return fmt.Errorf("create vault dir: %w", err)
	}
	tmp := v.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write vault: %w", err)
	}
	if err := os.Rename(tmp, v.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace vault: %w", err)
	}
	return nil
}
