package monitor

import (
	"encoding/binary"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/flashguard/internal/domain"
)

// pattern is the mutable per-address profile. It is only touched while the
// owning shard's mutex is held.
type pattern struct {
	avgGas    float64
	txCount   uint64
	selectors map[domain.Selector]struct{}
	lastSeen  time.Time
	// recent holds at most limit+1 timestamps inside the frequency window.
	recent []time.Time
}

func newPattern() *pattern {
	return &pattern{selectors: make(map[domain.Selector]struct{}, 4)}
}

// recordRecent appends ts and prunes timestamps that fell out of the window.
// The slice never grows past limit+1 entries, so the cost per call is bounded.
func (p *pattern) recordRecent(ts time.Time, window time.Duration, limit int) {
	p.recent = append(p.recent, ts)
	cutoff := ts.Add(-window)
	drop := 0
	for drop < len(p.recent) && p.recent[drop].Before(cutoff) {
		drop++
	}
	if over := len(p.recent) - drop - (limit + 1); over > 0 {
		drop += over
	}
	if drop > 0 {
		p.recent = append(p.recent[:0], p.recent[drop:]...)
	}
}

func (p *pattern) snapshot(addr common.Address) domain.CompetitorPattern {
	sels := make([]domain.Selector, 0, len(p.selectors))
	for s := range p.selectors {
		sels = append(sels, s)
	}
	sort.Slice(sels, func(i, j int) bool {
		return binary.BigEndian.Uint32(sels[i][:]) < binary.BigEndian.Uint32(sels[j][:])
	})
	return domain.CompetitorPattern{
		Address:     addr,
		AvgGasPrice: p.avgGas,
		TxCount:     p.txCount,
		Selectors:   sels,
		LastSeen:    p.lastSeen,
	}
}

type shard struct {
	mu       sync.Mutex
	patterns map[common.Address]*pattern
}

func newShards(n int) []*shard {
	shards := make([]*shard, n)
	for i := range shards {
		shards[i] = &shard{patterns: make(map[common.Address]*pattern)}
	}
	return shards
}

func shardIndex(addr common.Address, n int) int {
	return int(binary.BigEndian.Uint32(addr[common.AddressLength-4:]) % uint32(n))
}
