// sniper.go implements the Oracle Sniper strategy: trade markets whose YES
// price lags the fair value implied by the oracle. The edge sign carries the
// direction — a positive edge means YES is underpriced.
package strategy

import (
	"github.com/shopspring/decimal"

	"arbpilot/pkg/types"
)

// OracleSniper trades ORACLE_LAG opportunities only.
type OracleSniper struct{}

// NewOracleSniper creates the sniper evaluator.
func NewOracleSniper() *OracleSniper { return &OracleSniper{} }

func (s *OracleSniper) StrategyName() string { return "oracle-sniper" }

// Evaluate derives the side from the edge sign and scales size by signal
// strength. Positive edge buys YES at the current (stale) YES price;
// negative edge buys NO at its complement.
func (s *OracleSniper) Evaluate(opp types.Opportunity, sizing Sizing) *TradeParams {
	if opp.Type != types.OppOracleLag || len(opp.Markets) == 0 {
		return nil
	}
	currentYes, err := decimal.NewFromString(opp.Metadata["current_yes"])
	if err != nil {
		return nil
	}

	amount := sizing.Available.Mul(sizing.MaxPositionPct).Mul(opp.SignalStrength)
	if !amount.IsPositive() {
		return nil
	}

	params := &TradeParams{
		MarketID: opp.Markets[0],
		Side:     types.BUY,
		Amount:   amount,
	}
	if opp.ExpectedEdge.IsPositive() {
		params.Outcome = types.YES
		params.MaxPrice = currentYes
	} else {
		params.Outcome = types.NO
		params.MaxPrice = decimal.NewFromInt(1).Sub(currentYes)
	}
	return params
}
