package signal

import (
	"context"
	"fmt"

	"numerusx/internal/types"
	"numerusx/pkg/utils"
)

// TokenSource returns aggregator token metadata.
type TokenSource interface {
	TokenInfo(ctx context.Context, mint string) (utils.JupiterTokenInfo, error)
}

// Penalties applied to a starting score of 100.
const (
	penaltyFreezeAuthority   = 50
	penaltyPermanentDelegate = 50
	penaltyMintAuthority     = 25
	penaltyUnverified        = 20
	penaltyLowVolume         = 15
)

// TokenSecurityProvider scores the pair's base token from its metadata.
type TokenSecurityProvider struct {
	tokens         TokenSource
	minDailyVolume float64
}

// NewTokenSecurityProvider flags tokens trading less than minDailyVolume per day.
func NewTokenSecurityProvider(tokens TokenSource, minDailyVolume float64) *TokenSecurityProvider {
	return &TokenSecurityProvider{tokens: tokens, minDailyVolume: minDailyVolume}
}

func (p *TokenSecurityProvider) Security(ctx context.Context, pair types.Pair) (types.SecurityAssessment, error) {
	info, err := p.tokens.TokenInfo(ctx, pair.BaseMint)
	if err != nil {
		return types.SecurityAssessment{}, err
	}

	score := 100.0
	var alerts []types.SecurityAlert
	flag := func(code, msg string, penalty float64, blocking bool) {
		score -= penalty
		alerts = append(alerts, types.SecurityAlert{Code: code, Message: msg, Blocking: blocking})
	}

	if set(info.FreezeAuthority) {
		flag("freeze_authority", fmt.Sprintf("%s can be frozen by %s", info.Symbol, *info.FreezeAuthority), penaltyFreezeAuthority, true)
	}
	if set(info.PermanentDelegate) {
		flag("permanent_delegate", fmt.Sprintf("%s has permanent delegate %s", info.Symbol, *info.PermanentDelegate), penaltyPermanentDelegate, true)
	}
	if set(info.MintAuthority) {
		flag("mint_authority", fmt.Sprintf("%s supply can be inflated", info.Symbol), penaltyMintAuthority, false)
	}
	if !info.HasTag("verified") && !info.HasTag("strict") {
		flag("unverified", fmt.Sprintf("%s is not on a verified token list", info.Symbol), penaltyUnverified, false)
	}
	if p.minDailyVolume > 0 && info.DailyVolume < p.minDailyVolume {
		flag("low_volume", fmt.Sprintf("%s daily volume %.0f below %.0f", info.Symbol, info.DailyVolume, p.minDailyVolume), penaltyLowVolume, false)
	}

	if score < 0 {
		score = 0
	}
	return types.SecurityAssessment{Score: score, Alerts: alerts}, nil
}

func set(s *string) bool {
	return s != nil && *s != ""
}
