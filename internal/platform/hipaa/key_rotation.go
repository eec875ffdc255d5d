package hipaa

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// Key version prefix format: "v{version}:" prepended to sealed text.
const keyVersionPrefix = "v"
const keyVersionSeparator = ":"

// Keyring seals with the current key version and opens with any registered
// version, so audit partitions written before a rotation stay readable.
type Keyring struct {
	mu         sync.RWMutex
	current    *Sealer
	currentVer int
	previous   map[int]*Sealer
}

// NewKeyring creates a keyring whose current key has the given version.
func NewKeyring(currentKey []byte, currentVersion int) (*Keyring, error) {
	if currentVersion < 1 {
		return nil, fmt.Errorf("keyring: version must be positive, got %d", currentVersion)
	}
	s, err := NewSealer(currentKey)
	if err != nil {
		return nil, fmt.Errorf("keyring: current key: %w", err)
	}
	return &Keyring{
		current:    s,
		currentVer: currentVersion,
		previous:   make(map[int]*Sealer),
	}, nil
}

// AddPreviousKey registers a retired key for opening older data.
func (k *Keyring) AddPreviousKey(key []byte, version int) error {
	if version == k.currentVer {
		return fmt.Errorf("keyring: version %d is the current key", version)
	}
	s, err := NewSealer(key)
	if err != nil {
		return fmt.Errorf("keyring: previous key v%d: %w", version, err)
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	k.previous[version] = s
	return nil
}

// Seal encrypts with the current key and prepends the version prefix.
func (k *Keyring) Seal(plaintext string, aad []byte) (string, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()

	sealed, err := k.current.SealString(plaintext, aad)
	if err != nil {
		return "", err
	}
	return keyVersionPrefix + strconv.Itoa(k.currentVer) + keyVersionSeparator + sealed, nil
}

// Open detects the key version and decrypts with the matching key. Unversioned
// input is rejected: nothing in this system writes sealed data without a version.
func (k *Keyring) Open(sealed string, aad []byte) (string, error) {
	version, data, err := parseVersioned(sealed)
	if err != nil {
		return "", err
	}

	k.mu.RLock()
	defer k.mu.RUnlock()

	if version == k.currentVer {
		return k.current.OpenString(data, aad)
	}
	s, ok := k.previous[version]
	if !ok {
		return "", fmt.Errorf("keyring: no key available for version %d", version)
	}
	return s.OpenString(data, aad)
}

// NeedsRotation reports whether sealed text was written with a retired key.
func (k *Keyring) NeedsRotation(sealed string) bool {
	version, _, err := parseVersioned(sealed)
	if err != nil {
		return true
	}
	k.mu.RLock()
	defer k.mu.RUnlock()
	return version != k.currentVer
}

// Reseal opens with the old key and seals again with the current one.
func (k *Keyring) Reseal(sealed string, aad []byte) (string, error) {
	plaintext, err := k.Open(sealed, aad)
	if err != nil {
		return "", fmt.Errorf("reseal: %w", err)
	}
	return k.Seal(plaintext, aad)
}

// BlindIndex digests value with the current key; see Sealer.BlindIndex.
func (k *Keyring) BlindIndex(label, value string) string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.current.BlindIndex(label, value)
}

// BlindIndexes digests value with every registered key, current first, so
// lookups still match rows indexed before a rotation.
func (k *Keyring) BlindIndexes(label, value string) []string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	out := []string{k.current.BlindIndex(label, value)}
	versions := make([]int, 0, len(k.previous))
	for v := range k.previous {
		versions = append(versions, v)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(versions)))
	for _, v := range versions {
		out = append(out, k.previous[v].BlindIndex(label, value))
	}
	return out
}

// CurrentVersion returns the current key version.
func (k *Keyring) CurrentVersion() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.currentVer
}

// Versions lists every registered key version in ascending order.
func (k *Keyring) Versions() []int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	out := []int{k.currentVer}
	for v := range k.previous {
		out = append(out, v)
	}
	sort.Ints(out)
	return out
}

// IsSealed reports whether s carries a key version prefix.
func IsSealed(s string) bool {
	_, _, err := parseVersioned(s)
	return err == nil
}

func parseVersioned(s string) (int, string, error) {
	if !strings.HasPrefix(s, keyVersionPrefix) {
		return 0, "", fmt.Errorf("keyring: no version prefix")
	}

	idx := strings.Index(s, keyVersionSeparator)
	if idx < 0 {
		return 0, "", fmt.Errorf("keyring: no version separator")
	}

	version, err := strconv.Atoi(s[len(keyVersionPrefix):idx])
	if err != nil {
		return 0, "", fmt.Errorf("keyring: invalid version: %w", err)
	}

	return version, s[idx+1:], nil
}
