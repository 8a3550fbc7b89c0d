// Package policy maps user-facing model and reasoning preferences to the
// concrete model identifier and thinking budget sent to the agent runtime.
package policy

import (
	"regexp"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/rs/zerolog"
)

type ModelPreference string

const (
	PreferenceFast     ModelPreference = "fast"
	PreferenceBalanced ModelPreference = "balanced"
	PreferenceDeep     ModelPreference = "deep"
)

type ReasoningLevel string

const (
	ReasoningOff    ReasoningLevel = "off"
	ReasoningLow    ReasoningLevel = "low"
	ReasoningMedium ReasoningLevel = "medium"
	ReasoningHigh   ReasoningLevel = "high"
	ReasoningMax    ReasoningLevel = "max"
)

var modelTable = map[ModelPreference]string{
	PreferenceFast:     string(anthropic.ModelClaude3_5HaikuLatest),
	PreferenceBalanced: string(anthropic.ModelClaudeSonnet4_20250514),
	PreferenceDeep:     string(anthropic.ModelClaudeOpus4_1_20250805),
}

// Budgets are strictly increasing by level.
var budgetTable = map[ReasoningLevel]int{
	ReasoningOff:    0,
	ReasoningLow:    4096,
	ReasoningMedium: 10000,
	ReasoningHigh:   16000,
	ReasoningMax:    31999,
}

// Levels lists reasoning levels in increasing budget order.
func Levels() []ReasoningLevel {
	return []ReasoningLevel{ReasoningOff, ReasoningLow, ReasoningMedium, ReasoningHigh, ReasoningMax}
}

// Preferences lists the model preferences in display order.
func Preferences() []ModelPreference {
	return []ModelPreference{PreferenceFast, PreferenceBalanced, PreferenceDeep}
}

func ParseModelPreference(raw string) (ModelPreference, bool) {
	switch normalize(raw) {
	case "fast", "haiku":
		return PreferenceFast, true
	case "balanced", "default", "sonnet", "smart_sonnet":
		return PreferenceBalanced, true
	case "deep", "opus", "smart_opus":
		return PreferenceDeep, true
	default:
		return "", false
	}
}

func ParseReasoningLevel(raw string) (ReasoningLevel, bool) {
	switch value := ReasoningLevel(normalize(raw)); value {
	case ReasoningOff, ReasoningLow, ReasoningMedium, ReasoningHigh, ReasoningMax:
		return value, true
	case "", "none":
		return ReasoningOff, true
	case "ultra", "extra_high":
		return ReasoningMax, true
	default:
		return "", false
	}
}

func normalize(raw string) string {
	value := strings.ToLower(strings.TrimSpace(raw))
	return strings.ReplaceAll(value, "-", "_")
}

// ModelFor returns the concrete identifier for pref, falling back to the
// balanced model for unknown preferences.
func ModelFor(pref ModelPreference) string {
	if id, ok := modelTable[pref]; ok {
		return id
	}
	return modelTable[PreferenceBalanced]
}

// BudgetFor returns the thinking token budget for level; unknown levels are off.
func BudgetFor(level ReasoningLevel) int {
	return budgetTable[level]
}

// Deny rules are checked before allow rules. Anything matching neither is
// treated as unsupported.
var (
	reasoningDeny = []*regexp.Regexp{
		regexp.MustCompile(`claude-3-5-haiku`),
		regexp.MustCompile(`claude-3-haiku`),
		regexp.MustCompile(`claude-3-5-sonnet`),
		regexp.MustCompile(`claude-3-opus`),
		regexp.MustCompile(`claude-instant`),
		regexp.MustCompile(`claude-2`),
	}
	reasoningAllow = []*regexp.Regexp{
		regexp.MustCompile(`claude-3-7-sonnet`),
		regexp.MustCompile(`claude-(sonnet|opus|haiku)-4`),
		regexp.MustCompile(`claude-4-(sonnet|opus)`),
		regexp.MustCompile(`^(sonnet|opus)$`),
	}
)

// SupportsReasoning reports whether modelID accepts a thinking budget.
func SupportsReasoning(modelID string) bool {
	id := strings.ToLower(strings.TrimSpace(modelID))
	if id == "" {
		return false
	}
	for _, re := range reasoningDeny {
		if re.MatchString(id) {
			return false
		}
	}
	for _, re := range reasoningAllow {
		if re.MatchString(id) {
			return true
		}
	}
	return false
}

// Resolution is the concrete outcome of a preference lookup.
type Resolution struct {
	Preference ModelPreference
	Level      ReasoningLevel
	Model      string
	Budget     int
	// Downgraded is set when a non-zero level was dropped because the
	// model does not support reasoning.
	Downgraded bool
}

type Resolver struct {
	override string
	logger   zerolog.Logger
}

// NewResolver returns a resolver. A non-empty override replaces the
// table lookup for every preference.
func NewResolver(override string, logger zerolog.Logger) *Resolver {
	return &Resolver{override: strings.TrimSpace(override), logger: logger}
}

func (r *Resolver) Resolve(pref ModelPreference, level ReasoningLevel) Resolution {
	res := Resolution{
		Preference: pref,
		Level:      level,
		Model:      ModelFor(pref),
		Budget:     BudgetFor(level),
	}
	if r != nil && r.override != "" {
		res.Model = r.override
	}
	if res.Budget > 0 && !SupportsReasoning(res.Model) {
		if r != nil {
			r.logger.Warn().
				Str("model", res.Model).
				Str("reasoning", string(level)).
				Msg("model does not support reasoning, omitting thinking budget")
		}
		res.Budget = 0
		res.Downgraded = true
	}
	return res
}
