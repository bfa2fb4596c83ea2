package allocation

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SPLIT NORMALIZER
// =============================================================================

// pctTolerance is how far a percentage set may drift from 100 and still
// count as balanced.
var pctTolerance = decimal.New(1, -3)

// NormalizeInput is everything the normalizer needs to know about a row.
type NormalizeInput struct {
	MappingType  MappingType
	Splits       []Split
	BaseAmount   decimal.NullDecimal // source activity; used by "amount" splits
	ExclusionPct decimal.NullDecimal // carried over from the mapping record
}

// NormalizeSplits turns raw split definitions into canonical allocation lines.
//
// Direct always yields exactly one line at 100. Percentage lines are
// rebalanced to sum to 100 with the last numeric line absorbing rounding.
// Dynamic lines carry no specified percentage; AppliedPct is the raw value.
// An empty input yields no lines.
func NormalizeSplits(in NormalizeInput) []AllocationLine {
	strategy := in.MappingType.Strategy()
	if strategy == MappingExclude {
		return nil
	}

	lines := make([]AllocationLine, 0, len(in.Splits)+1)
	hasExclusion := false

	for _, s := range in.Splits {
		target := strings.TrimSpace(s.TargetID)
		isExclusion := s.IsExclusion || strings.EqualFold(target, ExcludedTarget)
		if isExclusion {
			target = ExcludedTarget
			hasExclusion = true
		} else if target == "" {
			continue
		}

		line := AllocationLine{
			BasisDatapoint:  strings.TrimSpace(s.BasisDatapoint),
			TargetDatapoint: target,
			IsCalculated:    s.IsCalculated,
			IsExclusion:     isExclusion,
		}

		switch strategy {
		case MappingDynamic:
			line.AppliedPct = s.AllocationValue
		case MappingDirect:
			line.SpecifiedPct = decimal.NewNullDecimal(hundred)
		default:
			if s.AllocationType == AllocationAmount {
				line.SpecifiedPct = pctOfBase(s.AllocationValue, in.BaseAmount)
			} else {
				line.SpecifiedPct = s.AllocationValue
			}
		}
		lines = append(lines, line)
	}

	switch strategy {
	case MappingDirect:
		for _, l := range lines {
			if !l.IsExclusion {
				return []AllocationLine{l}
			}
		}
		return nil

	case MappingPercentage:
		if !hasExclusion && in.ExclusionPct.Valid && in.ExclusionPct.Decimal.IsPositive() {
			lines = append(lines, AllocationLine{
				TargetDatapoint: ExcludedTarget,
				IsExclusion:     true,
				SpecifiedPct:    in.ExclusionPct,
			})
		}
		rebalancePercentages(lines)
	}

	return lines
}

// pctOfBase converts a fixed amount into a share of |base|.
func pctOfBase(value, base decimal.NullDecimal) decimal.NullDecimal {
	if !value.Valid || !base.Valid || base.Decimal.IsZero() {
		return decimal.NullDecimal{}
	}
	pct := value.Decimal.Div(base.Decimal.Abs()).Mul(hundred)
	return decimal.NewNullDecimal(round3(pct))
}

// rebalancePercentages makes the numeric shares of a percentage split sum to 100.
func rebalancePercentages(lines []AllocationLine) {
	total, totalNonExclusion := decimal.Zero, decimal.Zero
	var blankExclusions []int
	for i, l := range lines {
		switch {
		case l.SpecifiedPct.Valid:
			total = total.Add(l.SpecifiedPct.Decimal)
			if !l.IsExclusion {
				totalNonExclusion = totalNonExclusion.Add(l.SpecifiedPct.Decimal)
			}
		case l.IsExclusion:
			blankExclusions = append(blankExclusions, i)
		}
	}

	// Exclusions without a share take whatever the explicit lines leave.
	if len(blankExclusions) > 0 && totalNonExclusion.IsPositive() {
		remainder := decimal.Max(decimal.Zero, hundred.Sub(total))
		share := round3(remainder.Div(decimal.NewFromInt(int64(len(blankExclusions)))))
		for _, i := range blankExclusions {
			lines[i].SpecifiedPct = decimal.NewNullDecimal(share)
			total = total.Add(share)
		}
	}

	var numeric []int
	for i, l := range lines {
		if l.SpecifiedPct.Valid {
			numeric = append(numeric, i)
		}
	}
	if len(numeric) == 0 || total.IsZero() {
		return
	}
	if total.Sub(hundred).Abs().LessThan(pctTolerance) {
		return
	}

	factor := hundred.Div(total)
	running := decimal.Zero
	last := len(numeric) - 1
	for k, i := range numeric {
		if k == last {
			lines[i].SpecifiedPct = decimal.NewNullDecimal(hundred.Sub(running))
			break
		}
		scaled := round3(lines[i].SpecifiedPct.Decimal.Mul(factor))
		lines[i].SpecifiedPct = decimal.NewNullDecimal(scaled)
		running = running.Add(scaled)
	}
}

func round3(d decimal.Decimal) decimal.Decimal {
	return d.Round(3)
}

// HashAllocation fingerprints a canonical split set for change detection.
func HashAllocation(mt MappingType, lines []AllocationLine) string {
	var b strings.Builder
	b.WriteString(string(mt.Strategy()))
	for _, l := range lines {
		b.WriteByte('\n')
		b.WriteString(strings.ToLower(l.BasisDatapoint))
		b.WriteByte('|')
		b.WriteString(l.TargetDatapoint)
		b.WriteByte('|')
		if l.IsCalculated {
			b.WriteByte('c')
		}
		b.WriteByte('|')
		b.WriteString(nullString(l.SpecifiedPct))
		b.WriteByte('|')
		b.WriteString(nullString(l.AppliedPct))
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:16])
}

func nullString(d decimal.NullDecimal) string {
	if !d.Valid {
		return "-"
	}
	return d.Decimal.String()
}

// describeTargets renders "T1, T2" for the non-exclusion lines.
func describeTargets(lines []AllocationLine) string {
	var targets []string
	for _, l := range lines {
		if !l.IsExclusion {
			targets = append(targets, l.TargetDatapoint)
		}
	}
	return strings.Join(targets, ", ")
}
