package config

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/alanyoungcy/flashguard/internal/domain"
)

// ParseSelector decodes a 4-byte function selector such as "0x38ed1739".
func ParseSelector(s string) (domain.Selector, error) {
	var sel domain.Selector
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		s = "0x" + s
	}
	b, err := hexutil.Decode(s)
	if err != nil || len(b) != len(sel) {
		return sel, fmt.Errorf("invalid selector %q", s)
	}
	copy(sel[:], b)
	return sel, nil
}

// ParseSelectors decodes every selector in ss.
func ParseSelectors(ss []string) ([]domain.Selector, error) {
	out := make([]domain.Selector, 0, len(ss))
	for _, s := range ss {
		sel, err := ParseSelector(s)
		if err != nil {
			return nil, err
		}
		out = append(out, sel)
	}
	return out, nil
}
