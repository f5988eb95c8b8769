// Package codegen allocates short attendance codes that are unique among active sessions.
package codegen

import (
	"context"
	"crypto/rand"
	"fmt"
	"math"
	"math/big"

	"iattend/pkg/types"
)

const (
	DefaultAlphabet     = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	DefaultLength       = 4
	DefaultMaxAttempts  = 10
	DefaultMinCodeSpace = 10000
)

// ActiveCodeLookup is the slice of the session repository the generator needs
type ActiveCodeLookup interface {
	FindActiveSessionByCode(ctx context.Context, code string) (*types.Session, error)
}

// Config sizes the code space
type Config struct {
	Alphabet     string `mapstructure:"alphabet"`
	Length       int    `mapstructure:"length"`
	MaxAttempts  int    `mapstructure:"max_attempts"`
	MinCodeSpace int    `mapstructure:"min_code_space"`
}

// DefaultConfig returns 4-character A-Z0-9 codes
func DefaultConfig() Config {
	return Config{
		Alphabet:     DefaultAlphabet,
		Length:       DefaultLength,
		MaxAttempts:  DefaultMaxAttempts,
		MinCodeSpace: DefaultMinCodeSpace,
	}
}

// Generator produces crypto-random codes
type Generator struct {
	alphabet    []byte
	length      int
	maxAttempts int
	lookup      ActiveCodeLookup
}

// NewGenerator checks the configured code space before any session can be opened.
// FUNCTIONAL DISCOVERY: A code space below MinCodeSpace makes collisions with
// active sessions likely enough to exhaust the retry budget, so it fails fast
func NewGenerator(cfg Config, lookup ActiveCodeLookup) (*Generator, error) {
	if cfg.Length <= 0 || cfg.MaxAttempts <= 0 {
		return nil, fmt.Errorf("%w: length and max attempts must be positive", types.ErrCodeSpaceExhausted)
	}
	if !types.IsWellFormedCode(cfg.Alphabet, len(cfg.Alphabet)) || hasRepeats(cfg.Alphabet) {
		return nil, fmt.Errorf("%w: alphabet must be distinct A-Z0-9 characters", types.ErrCodeSpaceExhausted)
	}
	if space := CodeSpace(len(cfg.Alphabet), cfg.Length); space < float64(cfg.MinCodeSpace) {
		return nil, fmt.Errorf("%w: %d^%d codes is below the minimum of %d",
			types.ErrCodeSpaceExhausted, len(cfg.Alphabet), cfg.Length, cfg.MinCodeSpace)
	}

	return &Generator{
		alphabet:    []byte(cfg.Alphabet),
		length:      cfg.Length,
		maxAttempts: cfg.MaxAttempts,
		lookup:      lookup,
	}, nil
}

// CodeSpace returns alphabetSize^length
func CodeSpace(alphabetSize, length int) float64 {
	return math.Pow(float64(alphabetSize), float64(length))
}

// Length returns the code length the generator emits
func (g *Generator) Length() int {
	return g.length
}

// Generate returns one random code without checking uniqueness
func (g *Generator) Generate() (string, error) {
	max := big.NewInt(int64(len(g.alphabet)))
	code := make([]byte, g.length)
	for i := range code {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("generate random index: %w", err)
		}
		code[i] = g.alphabet[n.Int64()]
	}
	return string(code), nil
}

// IsUniqueAmongActive reports whether no active session currently holds code
func (g *Generator) IsUniqueAmongActive(ctx context.Context, code string) (bool, error) {
	session, err := g.lookup.FindActiveSessionByCode(ctx, code)
	if err != nil {
		return false, fmt.Errorf("check active code: %w", err)
	}
	return session == nil, nil
}

// CreateSessionCode generates until a code is free among active sessions
func (g *Generator) CreateSessionCode(ctx context.Context) (string, error) {
	for i := 0; i < g.maxAttempts; i++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		code, err := g.Generate()
		if err != nil {
			return "", err
		}

		unique, err := g.IsUniqueAmongActive(ctx, code)
		if err != nil {
			return "", err
		}
		if unique {
			return code, nil
		}
	}

	return "", fmt.Errorf("%w: no free code after %d attempts", types.ErrCodeSpaceExhausted, g.maxAttempts)
}

func hasRepeats(alphabet string) bool {
	seen := make(map[rune]bool, len(alphabet))
	for _, r := range alphabet {
		if seen[r] {
			return true
		}
		seen[r] = true
	}
	return false
}
