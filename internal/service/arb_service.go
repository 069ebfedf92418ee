// Package service runs opportunities through evaluation, preflight and
// protected submission, and records what happened to them.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/alanyoungcy/flashguard/internal/coordinator"
	"github.com/alanyoungcy/flashguard/internal/domain"
	"github.com/alanyoungcy/flashguard/internal/metrics"
	"github.com/alanyoungcy/flashguard/internal/settlement"
)

// Evaluator scores same-chain opportunities.
type Evaluator interface {
	EvaluateSameChain(ctx context.Context, opp domain.Opportunity) (domain.Evaluation, error)
}

// LiquidityGate reports whether a trade of amount in token is safe to size.
type LiquidityGate interface {
	IsLiquidityAdequate(token common.Address, amount *big.Int) bool
}

// Protector submits a payload under commit-reveal protection.
type Protector interface {
	Protect(ctx context.Context, req coordinator.Request) (domain.Execution, error)
}

// ArbConfig holds the settlement and protection parameters applied to every
// opportunity.
type ArbConfig struct {
	Settlement       common.Address
	MinProfitBps     int64
	LenderPremiumBps int64
	SlippageBps      int64
	CommitFee        *big.Int
	MaxBlocksToWait  int
	DedupTTL         time.Duration
}

// ArbService is the opportunity pipeline. Stores, publisher and metrics may
// be nil.
type ArbService struct {
	cfg           ArbConfig
	evaluator     Evaluator
	liquidity     LiquidityGate
	protector     Protector
	executions    domain.ExecutionStore
	opportunities domain.OpportunityStore
	publisher     domain.EventPublisher
	metrics       *metrics.Collector
	dedup         *Dedup
	logger        *slog.Logger
}

// NewArbService creates an ArbService.
func NewArbService(
	cfg ArbConfig,
	evaluator Evaluator,
	liquidity LiquidityGate,
	protector Protector,
	executions domain.ExecutionStore,
	opportunities domain.OpportunityStore,
	publisher domain.EventPublisher,
	m *metrics.Collector,
	logger *slog.Logger,
) *ArbService {
	if cfg.DedupTTL <= 0 {
		cfg.DedupTTL = 10 * time.Minute
	}
	return &ArbService{
		cfg:           cfg,
		evaluator:     evaluator,
		liquidity:     liquidity,
		protector:     protector,
		executions:    executions,
		opportunities: opportunities,
		publisher:     publisher,
		metrics:       m,
		dedup:         NewDedup(cfg.DedupTTL),
		logger:        logger.With(slog.String("component", "arb_service")),
	}
}

// Dedup exposes the consumed-opportunity set for periodic cleanup.
func (s *ArbService) Dedup() *Dedup { return s.dedup }

// Execute consumes opp: it is evaluated, gated on liquidity, dry-run against
// the settlement contract and, if it survives, protected. Rejections return
// an error matching one of the domain economic sentinels.
func (s *ArbService) Execute(ctx context.Context, opp domain.Opportunity) (domain.Execution, error) {
	if opp.ID == "" {
		opp.ID = uuid.New().String()
	}
	if opp.DetectedAt.IsZero() {
		opp.DetectedAt = time.Now().UTC()
	}
	log := s.logger.With(slog.String("opportunity", opp.ID))

	if !s.dedup.Consume(opp.ID) {
		return domain.Execution{}, fmt.Errorf("service: opportunity %s: %w", opp.ID, domain.ErrDuplicate)
	}

	ev, err := s.evaluator.EvaluateSameChain(ctx, opp)
	if err != nil {
		return domain.Execution{}, fmt.Errorf("service: evaluate: %w", err)
	}
	if !ev.Profitable {
		return domain.Execution{}, s.reject(ctx, opp, ev.NetProfit, "unprofitable", domain.ErrUnprofitable)
	}

	if s.liquidity != nil && !s.liquidity.IsLiquidityAdequate(opp.SourceToken, opp.AmountIn) {
		return domain.Execution{}, s.reject(ctx, opp, ev.NetProfit, "liquidity", domain.ErrInsufficientLiquidity)
	}

	profit, err := settlement.Preflight(settlement.Quote{
		Asset:        opp.SourceToken,
		Intermediate: opp.TargetToken,
		AmountIn:     opp.AmountIn,
		LegAOut:      ev.LegAOut,
		FinalAmount:  ev.FinalAmount,
		MinProfitBps: s.cfg.MinProfitBps,
		PremiumBps:   s.cfg.LenderPremiumBps,
	})
	if err != nil {
		var rev *settlement.RevertError
		if errors.As(err, &rev) {
			s.metrics.SettlementReverted(rev.State.String())
		}
		cause := err
		if !domain.IsEconomicRejection(err) {
			cause = fmt.Errorf("%w: %v", domain.ErrUnprofitable, err)
		}
		return domain.Execution{}, s.reject(ctx, opp, ev.NetProfit, "preflight", cause)
	}

	data, err := settlement.PackExecuteArbitrage(opp.SourceToken, opp.AmountIn, settlement.TradeData{
		VenueA:       ev.First.Router,
		VenueB:       ev.Second.Router,
		Intermediate: opp.TargetToken,
		MinOutA:      s.withSlippage(ev.LegAOut),
		MinOutB:      s.withSlippage(ev.FinalAmount),
	})
	if err != nil {
		return domain.Execution{}, fmt.Errorf("service: pack settlement call: %w", err)
	}

	log.InfoContext(ctx, "protecting opportunity",
		slog.String("direction", string(ev.Direction)),
		slog.String("net_profit", ev.NetProfit.String()),
		slog.String("preflight_profit", profit.String()),
	)
	exec, protectErr := s.protector.Protect(ctx, coordinator.Request{
		ID:              uuid.New().String(),
		OpportunityID:   opp.ID,
		Target:          s.cfg.Settlement,
		Value:           new(big.Int),
		Data:            data,
		Fee:             s.cfg.CommitFee,
		MaxBlocksToWait: s.cfg.MaxBlocksToWait,
	})

	status := domain.OpportunityProtected
	reason := ""
	if protectErr != nil {
		status = domain.OpportunityFailed
		reason = protectErr.Error()
	}
	s.record(ctx, opp, ev.NetProfit, status, reason)
	if exec.ID != "" && s.executions != nil {
		if err := s.executions.Create(ctx, exec); err != nil {
			log.WarnContext(ctx, "execution record failed", slog.String("error", err.Error()))
		}
	}
	if protectErr != nil {
		return exec, fmt.Errorf("service: protect %s: %w", opp.ID, protectErr)
	}
	return exec, nil
}

func (s *ArbService) withSlippage(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	out := new(big.Int).Mul(v, big.NewInt(10_000-s.cfg.SlippageBps))
	return out.Div(out, big.NewInt(10_000))
}

func (s *ArbService) reject(ctx context.Context, opp domain.Opportunity, net *big.Int, reason string, cause error) error {
	s.metrics.OpportunityRejected(reason)
	s.record(ctx, opp, net, domain.OpportunityRejected, cause.Error())
	if s.publisher != nil {
		evt := domain.NewEvent(domain.EventOpportunityRejected, "", map[string]any{
			"opportunity": opp.ID,
			"reason":      reason,
			"error":       cause.Error(),
		})
		if err := s.publisher.Publish(ctx, evt); err != nil {
			s.logger.WarnContext(ctx, "publish rejection failed", slog.String("error", err.Error()))
		}
	}
	s.logger.DebugContext(ctx, "opportunity rejected",
		slog.String("opportunity", opp.ID),
		slog.String("reason", reason),
		slog.String("error", cause.Error()),
	)
	return fmt.Errorf("service: opportunity %s: %w", opp.ID, cause)
}

func (s *ArbService) record(ctx context.Context, opp domain.Opportunity, net *big.Int, status domain.OpportunityStatus, reason string) {
	if s.opportunities == nil {
		return
	}
	rec := domain.OpportunityRecord{
		Opportunity:  opp,
		NetProfit:    net,
		Status:       status,
		RejectReason: reason,
	}
	if err := s.opportunities.Insert(ctx, rec); err != nil {
		s.logger.WarnContext(ctx, "opportunity record failed",
			slog.String("opportunity", opp.ID),
			slog.String("error", err.Error()),
		)
	}
}
