package pool

import (
	"fmt"

	"github.com/sharehub/share-ledger/internal/apperr"
	"github.com/sharehub/share-ledger/internal/model"
)

// MaxReservePercent is the largest reserve percentage a request may set.
const MaxReservePercent = 50

// Check re-verifies the pool counters against usage. Violations are hard
// failures; warnings are policy notices returned to the caller.
func Check(p *model.SharePool, u model.PoolUsage) (violations, warnings []string) {
	if p.TotalShares < 0 || p.ReservedShares < 0 || p.ReservedIssued < 0 || p.AvailableShares < 0 {
		violations = append(violations, "pool counters must not be negative")
	}
	if p.AvailableShares != p.TotalShares-p.ReservedShares {
		violations = append(violations, fmt.Sprintf(
			"available shares %d != total %d - reserved %d", p.AvailableShares, p.TotalShares, p.ReservedShares))
	}
	if p.ReservedIssued > p.ReservedShares {
		violations = append(violations, fmt.Sprintf(
			"reserved issued %d exceeds reserved %d", p.ReservedIssued, p.ReservedShares))
	}
	if committed := p.Committed(u); p.TotalShares < committed {
		violations = append(violations, fmt.Sprintf(
			"total %d is below unissued reserve %d + sold %d", p.TotalShares, p.ReserveRemaining(), u.Sold()))
	}

	if p.ReservedShares*2 > p.TotalShares {
		warnings = append(warnings, fmt.Sprintf(
			"reserve of %d is above 50%% of total %d", p.ReservedShares, p.TotalShares))
	}
	if p.ReservedShares > 0 && p.ReservedIssued == p.ReservedShares {
		warnings = append(warnings, "reserve is fully issued")
	}
	return violations, warnings
}

// verify turns violations into an ErrInvariant rejection.
func verify(p *model.SharePool, u model.PoolUsage) ([]string, error) {
	violations, warnings := Check(p, u)
	if len(violations) > 0 {
		e := apperr.New(apperr.ErrInvariant, "pool counters would be inconsistent",
			"pool_id", p.ID,
			"total_shares", p.TotalShares,
			"reserved_shares", p.ReservedShares,
			"reserved_issued", p.ReservedIssued,
			"sold_shares", u.Sold(),
		)
		e.Violations = violations
		return nil, e
	}
	return warnings, nil
}

// minimumTotal is the smallest total a resize may leave.
func minimumTotal(p *model.SharePool, u model.PoolUsage) int64 {
	return max(p.Committed(u), p.ReservedShares)
}
