package allocation

import "strings"

// =============================================================================
// ENUM NORMALIZATION
// =============================================================================
// Every shorthand code accepted anywhere in the system lives in one of the
// tables below. Callers never compare raw strings.

type MappingType string

const (
	MappingDirect     MappingType = "direct"
	MappingPercentage MappingType = "percentage"
	MappingDynamic    MappingType = "dynamic"
	MappingExclude    MappingType = "exclude"
)

var mappingTypeCodes = map[string]MappingType{
	"d":          MappingDynamic,
	"dyn":        MappingDynamic,
	"dynamic":    MappingDynamic,
	"ratio":      MappingDynamic,
	"p":          MappingPercentage,
	"pct":        MappingPercentage,
	"percent":    MappingPercentage,
	"percentage": MappingPercentage,
	"x":          MappingExclude,
	"exclude":    MappingExclude,
	"excluded":   MappingExclude,
	"direct":     MappingDirect,
	"1:1":        MappingDirect,
	"one-to-one": MappingDirect,
}

// ParseMappingType resolves a free-form mapping type.
// Blank input yields "" (not supplied); unknown codes resolve to direct.
func ParseMappingType(s string) MappingType {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return ""
	}
	if mt, ok := mappingTypeCodes[s]; ok {
		return mt
	}
	return MappingDirect
}

// Strategy is the allocation strategy used when replaying activity.
// Exclude is not a strategy; callers skip excluded mappings first.
func (mt MappingType) Strategy() MappingType {
	switch mt {
	case MappingPercentage, MappingDynamic, MappingExclude:
		return mt
	default:
		return MappingDirect
	}
}

// PresetType returns the preset type that backs this mapping type.
func (mt MappingType) PresetType() PresetType {
	switch mt.Strategy() {
	case MappingPercentage:
		return PresetPercentage
	case MappingDynamic:
		return PresetDynamic
	case MappingExclude:
		return PresetExcluded
	default:
		return PresetDirect
	}
}

type PresetType string

const (
	PresetDirect     PresetType = "direct"
	PresetPercentage PresetType = "percentage"
	PresetDynamic    PresetType = "dynamic"
	PresetExcluded   PresetType = "excluded"
)

// ParsePresetType resolves a stored or submitted preset type.
func ParsePresetType(s string) PresetType {
	return ParseMappingType(s).PresetType()
}

type Polarity string

const (
	PolarityDebit    Polarity = "debit"
	PolarityCredit   Polarity = "credit"
	PolarityAbsolute Polarity = "absolute"
)

var polarityCodes = map[string]Polarity{
	"debit":    PolarityDebit,
	"dr":       PolarityDebit,
	"credit":   PolarityCredit,
	"cr":       PolarityCredit,
	"absolute": PolarityAbsolute,
	"abs":      PolarityAbsolute,
}

// ParsePolarity resolves a free-form polarity; unknown or blank yields "".
func ParsePolarity(s string) Polarity {
	return polarityCodes[strings.ToLower(strings.TrimSpace(s))]
}

type Status string

const (
	StatusMapped   Status = "Mapped"
	StatusUnmapped Status = "Unmapped"
	StatusNew      Status = "New"
	StatusExcluded Status = "Excluded"
)

var statusCodes = map[string]Status{
	"mapped":   StatusMapped,
	"unmapped": StatusUnmapped,
	"new":      StatusNew,
	"excluded": StatusExcluded,
	"exclude":  StatusExcluded,
}

// ParseStatus resolves a status case-insensitively; unknown or blank yields "".
func ParseStatus(s string) Status {
	return statusCodes[strings.ToLower(strings.TrimSpace(s))]
}

type AllocationType string

const (
	AllocationPercentage AllocationType = "percentage"
	AllocationAmount     AllocationType = "amount"
	AllocationDynamic    AllocationType = "dynamic"
)

var allocationTypeCodes = map[string]AllocationType{
	"percentage": AllocationPercentage,
	"percent":    AllocationPercentage,
	"pct":        AllocationPercentage,
	"%":          AllocationPercentage,
	"amount":     AllocationAmount,
	"amt":        AllocationAmount,
	"fixed":      AllocationAmount,
	"dynamic":    AllocationDynamic,
	"ratio":      AllocationDynamic,
}

// ParseAllocationType resolves a split's allocation type.
// Blank and unknown values default to percentage.
func ParseAllocationType(s string) AllocationType {
	if at, ok := allocationTypeCodes[strings.ToLower(strings.TrimSpace(s))]; ok {
		return at
	}
	return AllocationPercentage
}
