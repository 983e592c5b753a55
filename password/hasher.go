package password

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"golang.org/x/crypto/argon2"
)

const (
	algorithmID = "argon2id"

	minMemoryKB    uint32 = 8 * 1024
	minTimeCost    uint32 = 1
	minParallelism uint8  = 1
	minSaltLength  uint32 = 16
	minKeyLength   uint32 = 16
	minPassBytes          = 8
)

// ErrHashFormat is returned when a stored hash is not a well-formed
// argon2id PHC string.
var ErrHashFormat = errors.New("malformed password hash")

// Config tunes the argon2id cost parameters. Memory is in KiB.
type Config struct {
	Memory      uint32
	Time        uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// DefaultConfig returns parameters suitable for interactive logins.
func DefaultConfig() Config {
	return Config{
		Memory:      64 * 1024,
		Time:        2,
		Parallelism: 2,
		SaltLength:  16,
		KeyLength:   32,
	}
}

// Hasher derives and verifies argon2id password hashes. Safe for
// concurrent use.
type Hasher struct {
	config Config

	// dummy is a hash of a random throwaway password, compared against
	// when the account does not exist so that lookup misses cost the
	// same as real verification failures.
	dummy string
}

// NewHasher validates cost parameters and precomputes the dummy hash.
func NewHasher(cfg Config) (*Hasher, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	h := &Hasher{config: cfg}

	filler := make([]byte, 24)
	if _, err := io.ReadFull(rand.Reader, filler); err != nil {
		return nil, err
	}
	dummy, err := h.Hash(base64.StdEncoding.EncodeToString(filler))
	if err != nil {
		return nil, err
	}
	h.dummy = dummy

	return h, nil
}

// Hash derives an argon2id hash of password and encodes it as a PHC
// string. Password bytes are used exactly as provided.
func (h *Hasher) Hash(password string) (string, error) {
	if len(password) < minPassBytes {
		return "", fmt.Errorf("password must be at least %d bytes", minPassBytes)
	}

	salt := make([]byte, h.config.SaltLength)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", err
	}

	key := argon2.IDKey(
		[]byte(password),
		salt,
		h.config.Time,
		h.config.Memory,
		h.config.Parallelism,
		h.config.KeyLength,
	)

	return fmt.Sprintf(
		"$%s$v=%d$m=%d,t=%d,p=%d$%s$%s",
		algorithmID,
		argon2.Version,
		h.config.Memory,
		h.config.Time,
		h.config.Parallelism,
		base64.StdEncoding.EncodeToString(salt),
		base64.StdEncoding.EncodeToString(key),
	), nil
}

// Compare reports whether password matches the stored PHC hash. The key
// comparison is constant-time.
func (h *Hasher) Compare(password, encodedHash string) (bool, error) {
	parsed, err := parsePHC(encodedHash)
	if err != nil {
		return false, err
	}

	computed := argon2.IDKey(
		[]byte(password),
		parsed.salt,
		parsed.time,
		parsed.memory,
		parsed.parallelism,
		parsed.keyLength,
	)

	return subtle.ConstantTimeCompare(computed, parsed.hash) == 1, nil
}

// DummyCompare burns the same work as a failing Compare against a real
// hash. Call it when the account lookup missed, then fail uniformly.
func (h *Hasher) DummyCompare(password string) {
	_, _ = h.Compare(password, h.dummy)
}

// NeedsRehash reports whether a stored hash was derived with weaker
// parameters than the current configuration and should be re-hashed on
// the next successful login.
func (h *Hasher) NeedsRehash(encodedHash string) (bool, error) {
	parsed, err := parsePHC(encodedHash)
	if err != nil {
		return false, err
	}

	if h.config.Memory > parsed.memory {
		return true, nil
	}
	if h.config.Time > parsed.time {
		return true, nil
	}
	if h.config.Parallelism > parsed.parallelism {
		return true, nil
	}
	if h.config.KeyLength != parsed.keyLength {
		return true, nil
	}

	return false, nil
}

type parsedPHC struct {
	memory      uint32
	time        uint32
	parallelism uint8
	salt        []byte
	hash        []byte
	keyLength   uint32
}

func parsePHC(encodedHash string) (*parsedPHC, error) {
	parts := strings.Split(encodedHash, "$")
	if len(parts) != 6 || parts[0] != "" {
		return nil, ErrHashFormat
	}
	if parts[1] != algorithmID {
		return nil, fmt.Errorf("%w: unsupported algorithm", ErrHashFormat)
	}

	version, ok := strings.CutPrefix(parts[2], "v=")
	if !ok {
		return nil, fmt.Errorf("%w: missing version", ErrHashFormat)
	}
	v, err := strconv.Atoi(version)
	if err != nil || v != argon2.Version {
		return nil, fmt.Errorf("%w: unsupported version", ErrHashFormat)
	}

	params, err := parseParams(parts[3])
	if err != nil {
		return nil, err
	}

	salt, err := base64.StdEncoding.DecodeString(parts[4])
	if err != nil || len(salt) < int(minSaltLength) {
		return nil, fmt.Errorf("%w: bad salt", ErrHashFormat)
	}

	hash, err := base64.StdEncoding.DecodeString(parts[5])
	if err != nil || len(hash) == 0 {
		return nil, fmt.Errorf("%w: bad key", ErrHashFormat)
	}

	return &parsedPHC{
		memory:      params.memory,
		time:        params.time,
		parallelism: params.parallelism,
		salt:        salt,
		hash:        hash,
		keyLength:   uint32(len(hash)),
	}, nil
}

type phcParams struct {
	memory      uint32
	time        uint32
	parallelism uint8
}

func parseParams(part string) (*phcParams, error) {
	pairs := strings.Split(part, ",")
	if len(pairs) != 3 {
		return nil, fmt.Errorf("%w: bad parameter list", ErrHashFormat)
	}

	var (
		params phcParams
		seen   [3]bool
	)

	for _, pair := range pairs {
		k, v, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("%w: bad parameter entry", ErrHashFormat)
		}

		switch k {
		case "m":
			n, err := strconv.ParseUint(v, 10, 32)
			if err != nil || n < uint64(minMemoryKB) {
				return nil, fmt.Errorf("%w: bad memory parameter", ErrHashFormat)
			}
			params.memory = uint32(n)
			seen[0] = true
		case "t":
			n, err := strconv.ParseUint(v, 10, 32)
			if err != nil || n < uint64(minTimeCost) {
				return nil, fmt.Errorf("%w: bad time parameter", ErrHashFormat)
			}
			params.time = uint32(n)
			seen[1] = true
		case "p":
			n, err := strconv.ParseUint(v, 10, 8)
			if err != nil || n < uint64(minParallelism) {
				return nil, fmt.Errorf("%w: bad parallelism parameter", ErrHashFormat)
			}
			params.parallelism = uint8(n)
			seen[2] = true
		default:
			return nil, fmt.Errorf("%w: unknown parameter %q", ErrHashFormat, k)
		}
	}

	if !seen[0] || !seen[1] || !seen[2] {
		return nil, fmt.Errorf("%w: missing parameters", ErrHashFormat)
	}

	return &params, nil
}

func validateConfig(cfg Config) error {
	if cfg.Memory < minMemoryKB {
		return errors.New("password memory must be >= 8192 KiB")
	}
	if cfg.Time < minTimeCost {
		return errors.New("password time cost must be >= 1")
	}
	if cfg.Parallelism < minParallelism {
		return errors.New("password parallelism must be >= 1")
	}
	if cfg.SaltLength < minSaltLength {
		return errors.New("password salt length must be >= 16")
	}
	if cfg.KeyLength < minKeyLength {
		return errors.New("password key length must be >= 16")
	}
	return nil
}
