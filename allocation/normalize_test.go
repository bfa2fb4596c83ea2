package allocation

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func ndec(s string) decimal.NullDecimal {
	return decimal.NewNullDecimal(dec(s))
}

func pctSplit(target, value string) Split {
	return Split{TargetID: target, AllocationType: AllocationPercentage, AllocationValue: ndec(value)}
}

func specified(lines []AllocationLine) []string {
	out := make([]string, len(lines))
	for i, l := range lines {
		out[i] = nullString(l.SpecifiedPct)
	}
	return out
}

func sumSpecified(lines []AllocationLine) decimal.Decimal {
	total := decimal.Zero
	for _, l := range lines {
		if l.SpecifiedPct.Valid {
			total = total.Add(l.SpecifiedPct.Decimal)
		}
	}
	return total
}

// =============================================================================
// PERCENTAGE
// =============================================================================

func TestNormalize_Percentage_WithinToleranceIsUntouched(t *testing.T) {
	lines := NormalizeSplits(NormalizeInput{
		MappingType: MappingPercentage,
		Splits:      []Split{pctSplit("T1", "60.005"), pctSplit("T2", "39.995")},
	})

	assert.Equal(t, []string{"60.005", "39.995"}, specified(lines))
}

func TestNormalize_Percentage_OverHundredIsScaled(t *testing.T) {
	lines := NormalizeSplits(NormalizeInput{
		MappingType: MappingPercentage,
		Splits:      []Split{pctSplit("T1", "61"), pctSplit("T2", "40")},
	})

	require.Len(t, lines, 2)
	assert.True(t, lines[0].SpecifiedPct.Decimal.Equal(dec("60.396")), "got %s", lines[0].SpecifiedPct.Decimal)
	assert.True(t, lines[1].SpecifiedPct.Decimal.Equal(dec("39.604")), "got %s", lines[1].SpecifiedPct.Decimal)
}

func TestNormalize_Percentage_SumsToHundred(t *testing.T) {
	cases := [][]string{
		{"33", "33", "33"},
		{"10", "10"},
		{"1", "2", "3", "4", "5", "6", "7"},
		{"99.9999", "0.0002"},
		{"150", "150", "150"},
	}
	for _, values := range cases {
		var splits []Split
		for i, v := range values {
			splits = append(splits, pctSplit(string(rune('A'+i)), v))
		}
		lines := NormalizeSplits(NormalizeInput{MappingType: MappingPercentage, Splits: splits})
		diff := sumSpecified(lines).Sub(hundred).Abs()
		assert.True(t, diff.LessThanOrEqual(pctTolerance), "values %v summed to %s", values, sumSpecified(lines))
	}
}

func TestNormalize_Percentage_ExclusionTakesRemainder(t *testing.T) {
	// GIVEN: 70% to T1 and an exclusion line without a share
	lines := NormalizeSplits(NormalizeInput{
		MappingType: MappingPercentage,
		Splits: []Split{
			pctSplit("T1", "70"),
			{IsExclusion: true, AllocationType: AllocationPercentage},
		},
	})

	// THEN: the exclusion absorbs the remaining 30
	require.Len(t, lines, 2)
	assert.Equal(t, ExcludedTarget, lines[1].TargetDatapoint)
	assert.True(t, lines[1].IsExclusion)
	assert.True(t, lines[1].SpecifiedPct.Decimal.Equal(dec("30")))
	assert.True(t, lines[0].SpecifiedPct.Decimal.Equal(dec("70")))
}

func TestNormalize_Percentage_ExcludedTargetNameIsExclusion(t *testing.T) {
	lines := NormalizeSplits(NormalizeInput{
		MappingType: MappingPercentage,
		Splits:      []Split{pctSplit("T1", "80"), {TargetID: " Excluded ", AllocationType: AllocationPercentage}},
	})

	require.Len(t, lines, 2)
	assert.True(t, lines[1].IsExclusion)
	assert.Equal(t, ExcludedTarget, lines[1].TargetDatapoint)
	assert.Equal(t, "20", lines[1].SpecifiedPct.Decimal.String())
}

func TestNormalize_Percentage_CarriedExclusionIsSynthesized(t *testing.T) {
	lines := NormalizeSplits(NormalizeInput{
		MappingType:  MappingPercentage,
		Splits:       []Split{pctSplit("T1", "75")},
		ExclusionPct: ndec("25"),
	})

	require.Len(t, lines, 2)
	assert.True(t, lines[1].IsExclusion)
	assert.Equal(t, []string{"75", "25"}, specified(lines))
}

func TestNormalize_Percentage_AmountSplitUsesBase(t *testing.T) {
	lines := NormalizeSplits(NormalizeInput{
		MappingType: MappingPercentage,
		Splits: []Split{
			{TargetID: "T1", AllocationType: AllocationAmount, AllocationValue: ndec("250")},
			{TargetID: "T2", AllocationType: AllocationAmount, AllocationValue: ndec("750")},
		},
		BaseAmount: ndec("-1000"),
	})

	assert.Equal(t, []string{"25", "75"}, specified(lines))
}

func TestNormalize_Percentage_AmountSplitWithoutBaseIsNull(t *testing.T) {
	lines := NormalizeSplits(NormalizeInput{
		MappingType: MappingPercentage,
		Splits:      []Split{{TargetID: "T1", AllocationType: AllocationAmount, AllocationValue: ndec("250")}},
		BaseAmount:  ndec("0"),
	})

	require.Len(t, lines, 1)
	assert.False(t, lines[0].SpecifiedPct.Valid)
}

func TestNormalize_DropsBlankTargets(t *testing.T) {
	lines := NormalizeSplits(NormalizeInput{
		MappingType: MappingPercentage,
		Splits:      []Split{pctSplit("  ", "50"), pctSplit("T1", "100")},
	})

	require.Len(t, lines, 1)
	assert.Equal(t, "T1", lines[0].TargetDatapoint)
}

func TestNormalize_Empty(t *testing.T) {
	for _, mt := range []MappingType{MappingDirect, MappingPercentage, MappingDynamic, MappingExclude} {
		assert.Empty(t, NormalizeSplits(NormalizeInput{MappingType: mt}), mt)
	}
}

// =============================================================================
// DIRECT / DYNAMIC / EXCLUDE
// =============================================================================

func TestNormalize_Direct_SingleLineAtHundred(t *testing.T) {
	in := NormalizeInput{
		MappingType: MappingDirect,
		Splits:      []Split{{IsExclusion: true}, pctSplit("T1", "40"), pctSplit("T2", "60")},
	}
	lines := NormalizeSplits(in)

	require.Len(t, lines, 1)
	assert.Equal(t, "T1", lines[0].TargetDatapoint)
	assert.True(t, lines[0].SpecifiedPct.Decimal.Equal(hundred))

	// Normalizing the output again is a no-op.
	again := NormalizeSplits(NormalizeInput{
		MappingType: MappingDirect,
		Splits:      []Split{{TargetID: lines[0].TargetDatapoint, AllocationValue: lines[0].SpecifiedPct}},
	})
	assert.Equal(t, HashAllocation(MappingDirect, lines), HashAllocation(MappingDirect, again))
}

func TestNormalize_Dynamic_KeepsRawAppliedPct(t *testing.T) {
	lines := NormalizeSplits(NormalizeInput{
		MappingType: MappingDynamic,
		Splits: []Split{
			{TargetID: "T1", BasisDatapoint: "Headcount", AllocationType: AllocationDynamic, AllocationValue: ndec("70"), IsCalculated: true},
			{TargetID: "T2", BasisDatapoint: "SqFt", AllocationType: AllocationDynamic, AllocationValue: ndec("45")},
		},
	})

	require.Len(t, lines, 2)
	for _, l := range lines {
		assert.False(t, l.SpecifiedPct.Valid)
	}
	assert.Equal(t, "70", lines[0].AppliedPct.Decimal.String())
	assert.Equal(t, "45", lines[1].AppliedPct.Decimal.String())
	assert.True(t, lines[0].IsCalculated)
	assert.Equal(t, "Headcount", lines[0].BasisDatapoint)
}

func TestNormalize_Exclude_NoLines(t *testing.T) {
	lines := NormalizeSplits(NormalizeInput{
		MappingType: MappingExclude,
		Splits:      []Split{pctSplit("T1", "100")},
	})
	assert.Nil(t, lines)
}

// =============================================================================
// HASH
// =============================================================================

func TestHashAllocation_DetectsSplitChanges(t *testing.T) {
	a := NormalizeSplits(NormalizeInput{MappingType: MappingPercentage, Splits: []Split{pctSplit("T1", "60"), pctSplit("T2", "40")}})
	b := NormalizeSplits(NormalizeInput{MappingType: MappingPercentage, Splits: []Split{pctSplit("T1", "60.0"), pctSplit("T2", "40")}})
	c := NormalizeSplits(NormalizeInput{MappingType: MappingPercentage, Splits: []Split{pctSplit("T1", "50"), pctSplit("T2", "50")}})

	assert.Equal(t, HashAllocation(MappingPercentage, a), HashAllocation(MappingPercentage, a))
	assert.NotEqual(t, HashAllocation(MappingPercentage, a), HashAllocation(MappingPercentage, c))
	assert.NotEqual(t, HashAllocation(MappingPercentage, a), HashAllocation(MappingDynamic, a))
	assert.Len(t, HashAllocation(MappingPercentage, b), 32)
}

func TestPctFractionRoundTrip(t *testing.T) {
	for _, s := range []string{"0", "12.5", "33.333", "100", "0.001"} {
		pct := dec(s)
		f := PctToFraction(pct)
		assert.True(t, FractionToPct(f).Equal(pct), s)
	}
	assert.Equal(t, "0.125", PctToFraction(dec("12.5")).String())
}
