package decoy

import (
	"bytes"
	"math/big"
	"math/rand"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/flashguard/internal/domain"
)

func testConfig() Config {
	return Config{
		Contracts: []common.Address{
			common.HexToAddress("0x7a250d5630B4cF539739dF2C5dAcb4c659F2488D"),
			common.HexToAddress("0xd9e1cE17f2641f24aE83637ab66a2cca9C378B9F"),
		},
		Selectors: []domain.Selector{
			{0x38, 0xed, 0x17, 0x39},
			{0x18, 0xcb, 0xaf, 0xe5},
		},
		BaseValue:     big.NewInt(1_000_000),
		ValueVariance: 0.2,
		BaseGas:       100_000,
		GasVariance:   50_000,
		Seed:          42,
	}
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "no contracts", mutate: func(c *Config) { c.Contracts = nil }},
		{name: "no selectors", mutate: func(c *Config) { c.Selectors = nil }},
		{name: "variance above one", mutate: func(c *Config) { c.ValueVariance = 1.5 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(&cfg)
			if _, err := New(cfg); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestGenerate_Bounds(t *testing.T) {
	cfg := testConfig()
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	calls, err := s.Generate(200)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(calls) != 200 {
		t.Fatalf("len = %d, want 200", len(calls))
	}

	minValue := big.NewInt(800_000)
	maxValue := big.NewInt(1_200_000)
	for i, c := range calls {
		if c.To != cfg.Contracts[0] && c.To != cfg.Contracts[1] {
			t.Errorf("call %d: contract %s not in allow-list", i, c.To.Hex())
		}
		if len(c.Data) < 4+32 || (len(c.Data)-4)%32 != 0 {
			t.Errorf("call %d: data length %d is not ABI shaped", i, len(c.Data))
		}
		var sel domain.Selector
		copy(sel[:], c.Data[:4])
		if sel != cfg.Selectors[0] && sel != cfg.Selectors[1] {
			t.Errorf("call %d: selector %x not in list", i, sel)
		}
		if c.Value.Cmp(minValue) < 0 || c.Value.Cmp(maxValue) > 0 {
			t.Errorf("call %d: value %s outside variance", i, c.Value)
		}
		if c.GasLimit < cfg.BaseGas || c.GasLimit > cfg.BaseGas+cfg.GasVariance {
			t.Errorf("call %d: gas %d outside variance", i, c.GasLimit)
		}
	}
}

func TestGenerate_DeterministicWithSeed(t *testing.T) {
	a, _ := New(testConfig())
	b, _ := New(testConfig())

	ca, err := a.Generate(10)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	cb, err := b.Generate(10)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	for i := range ca {
		if !bytes.Equal(ca[i].Data, cb[i].Data) || ca[i].Value.Cmp(cb[i].Value) != 0 {
			t.Fatalf("call %d differs between identically seeded synthesizers", i)
		}
	}
}

func TestGenerate_Zero(t *testing.T) {
	s, _ := New(testConfig())
	calls, err := s.Generate(0)
	if err != nil || len(calls) != 0 {
		t.Errorf("Generate(0) = %v, %v; want empty", calls, err)
	}
}

type fixedEncoder struct{}

func (fixedEncoder) Name() string { return "fixed" }

func (fixedEncoder) Encode(*rand.Rand) ([]byte, error) {
	return bytes.Repeat([]byte{0xee}, 32), nil
}

func TestRegister_CustomEncoderUsed(t *testing.T) {
	s, _ := New(testConfig())
	s.Register(fixedEncoder{})

	calls, err := s.Generate(200)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	marker := bytes.Repeat([]byte{0xee}, 32)
	for _, c := range calls {
		if bytes.Equal(c.Data[4:], marker) {
			return
		}
	}
	t.Error("registered encoder never chosen")
}

func TestGenerate_Concurrent(t *testing.T) {
	s, _ := New(testConfig())
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Generate(50); err != nil {
				t.Errorf("Generate: %v", err)
			}
		}()
	}
	wg.Wait()
}
