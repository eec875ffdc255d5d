package pseudonym

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/hkdf"

	"github.com/ehr/deid/internal/platform/hipaa"
	"github.com/ehr/deid/internal/platform/metrics"
)

// MinSaltLength is the shortest salt NewMapper accepts.
const MinSaltLength = 16

// DefaultMaxShiftDays bounds scope date offsets when none is configured.
const DefaultMaxShiftDays = 365

// HKDF info labels. Changing any of these changes every substitute.
const (
	infoIdentifier = "deid/identifier/v1"
	infoTemporal   = "deid/temporal/v1"
	infoIndex      = "deid/index/v1"
)

// Config holds everything a Mapper needs. Store and Sealer are optional: with
// no Store the mapper is a pure function of salt, scope and value; with a
// Sealer the original value is kept encrypted for authorized reversal.
type Config struct {
	Salt         string
	MaxShiftDays int
	Store        MappingStore
	Sealer       *hipaa.Sealer
}

// Mapper performs deterministic keyed substitution of identifiers and dates.
// It holds no per-call mutable state beyond the offset cache and is safe for
// concurrent use across scopes.
type Mapper struct {
	identifierKey []byte
	temporalKey   []byte
	indexKey      []byte
	maxShift      int
	store         MappingStore
	sealer        *hipaa.Sealer
	metrics       *metrics.Metrics
	logger        zerolog.Logger
	offsets       sync.Map // scopeID -> int
	now           func() time.Time
}

// NewMapper derives the substitution keys from the salt. A missing or short
// salt returns ErrSaltMisconfigured; there is no default.
func NewMapper(cfg Config, m *metrics.Metrics, logger zerolog.Logger) (*Mapper, error) {
	if len(cfg.Salt) < MinSaltLength {
		return nil, ErrSaltMisconfigured
	}
	if cfg.MaxShiftDays <= 0 {
		cfg.MaxShiftDays = DefaultMaxShiftDays
	}

	idKey, err := deriveKey(cfg.Salt, infoIdentifier)
	if err != nil {
		return nil, err
	}
	tKey, err := deriveKey(cfg.Salt, infoTemporal)
	if err != nil {
		return nil, err
	}
	ixKey, err := deriveKey(cfg.Salt, infoIndex)
	if err != nil {
		return nil, err
	}

	return &Mapper{
		identifierKey: idKey,
		temporalKey:   tKey,
		indexKey:      ixKey,
		maxShift:      cfg.MaxShiftDays,
		store:         cfg.Store,
		sealer:        cfg.Sealer,
		metrics:       m,
		logger:        logger.With().Str("component", "pseudonym-mapper").Logger(),
		now:           time.Now,
	}, nil
}

func deriveKey(salt, info string) ([]byte, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(salt), nil, []byte(info)), key); err != nil {
		return nil, fmt.Errorf("derive %s key: %w", info, err)
	}
	return key, nil
}

// keyedHash is HMAC-SHA256 over length-prefixed parts, so ("ab","c") and
// ("a","bc") never collide.
func keyedHash(key []byte, parts ...string) []byte {
	mac := hmac.New(sha256.New, key)
	var n [4]byte
	for _, p := range parts {
		binary.BigEndian.PutUint32(n[:], uint32(len(p)))
		mac.Write(n[:])
		mac.Write([]byte(p))
	}
	return mac.Sum(nil)
}

// Persistent reports whether mappings are written to a store.
func (m *Mapper) Persistent() bool {
	return m.store != nil
}

// Reversible reports whether originals are sealed for authorized reversal.
func (m *Mapper) Reversible() bool {
	return m.store != nil && m.sealer != nil
}

func (m *Mapper) mappingKey(scopeID string, kind Kind, original string) MappingKey {
	return MappingKey{
		ScopeID:   scopeID,
		Kind:      kind,
		ValueHash: hex.EncodeToString(keyedHash(m.indexKey, scopeID, string(kind), original)),
	}
}

// SubstituteIdentifier returns the scope's stable substitute for original,
// shaped like the original (dotted UID, digits, or opaque token).
func (m *Mapper) SubstituteIdentifier(ctx context.Context, scopeID, original string) (string, error) {
	substitute := formatIdentifier(original, keyedHash(m.identifierKey, scopeID, original))
	return m.remember(ctx, scopeID, KindIdentifier, original, substitute)
}

// ScopeOffset returns the scope's signed day offset. The magnitude lies in
// [1, MaxShiftDays], so a shifted date never equals its original.
func (m *Mapper) ScopeOffset(scopeID string) int {
	if v, ok := m.offsets.Load(scopeID); ok {
		return v.(int)
	}
	sum := keyedHash(m.temporalKey, scopeID)
	magnitude := int(binary.BigEndian.Uint64(sum[:8])%uint64(m.maxShift)) + 1
	if sum[8]&1 == 1 {
		magnitude = -magnitude
	}
	m.offsets.Store(scopeID, magnitude)
	return magnitude
}

// ShiftDate moves t by the scope's offset in whole days. Time of day and
// location are kept, so intervals between dates in one scope are unchanged.
func (m *Mapper) ShiftDate(ctx context.Context, scopeID string, t time.Time) (time.Time, error) {
	shifted := t.AddDate(0, 0, m.ScopeOffset(scopeID))
	if m.store == nil {
		return shifted, nil
	}
	if _, err := m.remember(ctx, scopeID, KindTemporal, t.Format(time.RFC3339), shifted.Format(time.RFC3339)); err != nil {
		return time.Time{}, err
	}
	return shifted, nil
}

// remember persists the mapping when a store is configured and returns the
// stored substitute, which wins over a concurrently computed one.
func (m *Mapper) remember(ctx context.Context, scopeID string, kind Kind, original, substitute string) (string, error) {
	if m.store == nil {
		return substitute, nil
	}
	key := m.mappingKey(scopeID, kind, original)
	mapping, err := m.store.GetOrCreate(ctx, key, func() (Mapping, error) {
		mp := Mapping{Key: key, Substitute: substitute, CreatedAt: m.now().UTC()}
		if m.sealer != nil {
			sealed, err := m.sealer.SealString(original, []byte(key.String()))
			if err != nil {
				return Mapping{}, fmt.Errorf("seal original: %w", err)
			}
			mp.SealedOriginal = sealed
		}
		return mp, nil
	})
	if err != nil {
		m.metrics.IncMappingStoreError("get_or_create")
		m.logger.Error().Err(err).Str("scope_id", scopeID).Str("kind", string(kind)).Msg("mapping store get-or-create failed")
		return "", &StoreError{Op: "get_or_create", Err: err}
	}
	return mapping.Substitute, nil
}

// Reverse recovers the original value behind a substitute. Callers are
// responsible for authorizing the request.
func (m *Mapper) Reverse(ctx context.Context, scopeID string, kind Kind, substitute string) (string, error) {
	if !m.Reversible() {
		return "", ErrReversalDisabled
	}
	mapping, err := m.store.Reverse(ctx, scopeID, kind, substitute)
	if err != nil {
		return "", err
	}
	if mapping.SealedOriginal == "" {
		return "", ErrMappingNotFound
	}
	original, err := m.sealer.OpenString(mapping.SealedOriginal, []byte(mapping.Key.String()))
	if err != nil {
		return "", fmt.Errorf("open sealed original: %w", err)
	}
	m.logger.Info().Str("scope_id", scopeID).Str("kind", string(kind)).Msg("pseudonym reversed")
	return original, nil
}
