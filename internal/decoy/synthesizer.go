// Package decoy generates filler calls that obscure the real payload inside
// a submitted bundle.
package decoy

import (
	"errors"
	"fmt"
	"math/big"
	"math/rand"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/flashguard/internal/domain"
)

// Config describes the shape of generated decoys.
type Config struct {
	Contracts []common.Address
	Selectors []domain.Selector
	// BaseValue is the native value each decoy is centred on.
	BaseValue *big.Int
	// ValueVariance bounds the random multiplier to 1 +/- ValueVariance.
	ValueVariance float64
	BaseGas       uint64
	GasVariance   uint64
	Seed          int64
}

// Synthesizer is safe for concurrent use.
type Synthesizer struct {
	cfg Config

	mu       sync.Mutex
	rng      *rand.Rand
	encoders []Encoder
}

// New creates a Synthesizer with the built-in encoders. A zero Seed seeds
// from the clock.
func New(cfg Config) (*Synthesizer, error) {
	if len(cfg.Contracts) == 0 {
		return nil, errors.New("decoy: at least one contract is required")
	}
	if len(cfg.Selectors) == 0 {
		return nil, errors.New("decoy: at least one selector is required")
	}
	if cfg.ValueVariance < 0 || cfg.ValueVariance > 1 {
		return nil, fmt.Errorf("decoy: value variance %.2f outside [0,1]", cfg.ValueVariance)
	}
	if cfg.BaseValue == nil {
		cfg.BaseValue = new(big.Int)
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Synthesizer{
		cfg:      cfg,
		rng:      rand.New(rand.NewSource(seed)),
		encoders: []Encoder{Uint256Encoder(), AddressEncoder(), Uint256PairEncoder()},
	}, nil
}

// Register adds an encoder to the pool decoys draw from.
func (s *Synthesizer) Register(e Encoder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.encoders = append(s.encoders, e)
}

// Generate returns n decoy calls.
func (s *Synthesizer) Generate(n int) ([]domain.Call, error) {
	if n <= 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	calls := make([]domain.Call, 0, n)
	for i := 0; i < n; i++ {
		c, err := s.one()
		if err != nil {
			return nil, err
		}
		calls = append(calls, c)
	}
	return calls, nil
}

func (s *Synthesizer) one() (domain.Call, error) {
	to := s.cfg.Contracts[s.rng.Intn(len(s.cfg.Contracts))]
	sel := s.cfg.Selectors[s.rng.Intn(len(s.cfg.Selectors))]
	enc := s.encoders[s.rng.Intn(len(s.encoders))]

	params, err := enc.Encode(s.rng)
	if err != nil {
		return domain.Call{}, err
	}
	data := make([]byte, 0, 4+len(params))
	data = append(data, sel[:]...)
	data = append(data, params...)

	gas := s.cfg.BaseGas
	if s.cfg.GasVariance > 0 {
		gas += uint64(s.rng.Int63n(int64(s.cfg.GasVariance) + 1))
	}

	return domain.Call{
		To:       to,
		Value:    s.value(),
		Data:     data,
		GasLimit: gas,
	}, nil
}

// value scales BaseValue by 1 + u where u is uniform in [-variance, variance].
// The multiplier is applied in parts per million to stay in integer math.
func (s *Synthesizer) value() *big.Int {
	if s.cfg.BaseValue.Sign() == 0 {
		return new(big.Int)
	}
	u := (s.rng.Float64()*2 - 1) * s.cfg.ValueVariance
	ppm := int64((1 + u) * 1_000_000)
	v := new(big.Int).Mul(s.cfg.BaseValue, big.NewInt(ppm))
	return v.Div(v, big.NewInt(1_000_000))
}
