// Package policy composes detector and classifier spans with a caller/region/
// environment context against an immutable policy document to produce a
// deterministic routing decision.
package policy

import (
	"fmt"
	"log/slog"
	"sort"

	"elida/internal/detector"
)

// Action is the routing verdict a Decision carries.
type Action string

const (
	ActionBlock        Action = "block"
	ActionRedact       Action = "redact"
	ActionInternalOnly Action = "internal_only"
	ActionAllow        Action = "allow"
)

// RouteMatch selects which spans a Route applies to. A nil Category matches
// only payloads with no sensitive categories present.
type RouteMatch struct {
	Category *detector.Category `yaml:"category"`
}

// AppliesTo filters a Route by region and caller. "*" in either list matches
// anything.
type AppliesTo struct {
	Regions []string `yaml:"regions"`
	Callers []string `yaml:"callers"`
}

func (a AppliesTo) matchesRegion(region string) bool {
	return containsAny(a.Regions, region)
}

func (a AppliesTo) matchesCaller(caller string) bool {
	return containsAny(a.Callers, caller)
}

func containsAny(list []string, v string) bool {
	for _, item := range list {
		if item == "*" || item == v {
			return true
		}
	}
	return false
}

// Route is one ordered rule in a PolicyDocument's route table.
type Route struct {
	Name            string              `yaml:"name"`
	Match           RouteMatch          `yaml:"match"`
	Action          Action              `yaml:"action"`
	AppliesTo       AppliesTo           `yaml:"applies_to"`
	AllowModels     []string            `yaml:"allow_models"`
	AllowCategories []detector.Category `yaml:"allow_categories"`
}

// RegionRouting describes how a region's traffic is routed.
type RegionRouting struct {
	AllowExternal    bool     `yaml:"allow_external"`
	PreferredModels  []string `yaml:"preferred_models"`
	InternalFallback []string `yaml:"internal_fallback"`
	DataResidency    string   `yaml:"data_residency,omitempty"`
}

// CallerRouting describes per-caller overrides.
type CallerRouting struct {
	AllowCategories []detector.Category `yaml:"allow_categories"`
	MaxDetokenize   bool                `yaml:"max_detokenize"`
	ForceRedact     bool                `yaml:"force_redact"`
}

// Document is the immutable, once-loaded policy document.
type Document struct {
	Version           int                      `yaml:"version"`
	RestrictedRegions []string                 `yaml:"restricted_regions"`
	RegionRouting     map[string]RegionRouting `yaml:"region_routing"`
	TrustedCallers    []string                 `yaml:"trusted_callers"`
	CallerRouting     map[string]CallerRouting `yaml:"caller_routing"`
	Routes            []Route                  `yaml:"routes"`
}

func (d Document) isRestricted(region string) bool {
	for _, r := range d.RestrictedRegions {
		if r == region {
			return true
		}
	}
	return false
}

// IsTrustedCaller reports whether caller may invoke detokenize.
func (d Document) IsTrustedCaller(caller string) bool {
	for _, c := range d.TrustedCallers {
		if c == caller {
			return true
		}
	}
	return false
}

// Context is the required caller/region/env/conversation tuple accompanying
// every policy decision.
type Context struct {
	Caller         string
	Region         string
	Env            string
	ConversationID string
}

// Decision is the policy engine's deterministic verdict.
type Decision struct {
	Action                      Action
	TargetModel                 string
	RequiresRedaction           bool
	AllowedDetokenizeCategories map[detector.Category]bool
	PolicyVersion               int
	Reason                      string
}

// Engine evaluates (spans, Context, Document) into a Decision. It is a pure
// function over its inputs: the loaded Document never mutates after
// construction.
type Engine struct {
	doc Document
}

func NewEngine(doc Document) *Engine {
	slog.Info("policy engine initialized",
		"version", doc.Version,
		"routes", len(doc.Routes),
		"restricted_regions", len(doc.RestrictedRegions),
	)
	return &Engine{doc: doc}
}

// Decide composes spans with ctx against the loaded policy document. It is
// deterministic: the same (spans, ctx) pair against the same document always
// returns the same Decision.
func (e *Engine) Decide(spans []detector.Span, ctx Context) Decision {
	doc := e.doc

	// Step 1: normalize region.
	region := ctx.Region
	if doc.isRestricted(region) {
		region = "restricted"
	}

	// Step 2: category set present in the input.
	categories := categorySet(spans)

	// Step 3-4: first matching route wins.
	var matched *Route
	for i := range doc.Routes {
		r := &doc.Routes[i]
		if !routeMatchesCategories(*r, categories) {
			continue
		}
		if !r.AppliesTo.matchesRegion(region) {
			continue
		}
		if !r.AppliesTo.matchesCaller(ctx.Caller) {
			continue
		}
		matched = r
		break
	}

	var action Action
	var reason string
	var allowModels []string
	var routeAllowCategories []detector.Category

	if matched != nil {
		action = matched.Action
		reason = fmt.Sprintf("matched route %q", matched.Name)
		allowModels = matched.AllowModels
		routeAllowCategories = matched.AllowCategories
	} else {
		action = ActionAllow
		reason = "no route matched; default allow"
		if rr, ok := doc.RegionRouting[region]; ok && len(rr.PreferredModels) > 0 {
			allowModels = rr.PreferredModels
		}
	}

	callerRouting := doc.CallerRouting[ctx.Caller]

	// Step 5: force_redact upgrades allow to redact.
	if action == ActionAllow && callerRouting.ForceRedact {
		action = ActionRedact
		reason = reason + "; upgraded to redact by caller force_redact"
	}

	d := Decision{
		PolicyVersion: doc.Version,
		Reason:        reason,
	}

	// Step 6: block terminates immediately; no other field is meaningful.
	if action == ActionBlock {
		d.Action = ActionBlock
		return d
	}

	rr := doc.RegionRouting[region]

	switch action {
	case ActionInternalOnly:
		// Step 7.
		d.Action = ActionInternalOnly
		d.TargetModel = firstOf(allowModels, rr.InternalFallback)

	case ActionRedact, ActionAllow:
		// Step 8: honor region.allow_external; rewrite to internal_only if
		// the region forbids sending externally.
		if !rr.AllowExternal {
			d.Action = ActionInternalOnly
			d.TargetModel = first(rr.InternalFallback)
			d.Reason = reason + "; rewritten to internal_only (region forbids external)"
		} else {
			d.Action = action
			d.TargetModel = firstOf(allowModels, rr.PreferredModels)
		}
		if d.Action == ActionRedact {
			d.RequiresRedaction = true
		}

	default:
		d.Action = ActionAllow
		d.TargetModel = first(rr.PreferredModels)
	}

	// Step 9: allowed_detokenize_categories = route ∩ caller, secret always removed.
	d.AllowedDetokenizeCategories = intersectCategories(routeAllowCategories, callerRouting.AllowCategories)
	delete(d.AllowedDetokenizeCategories, detector.CategorySecret)

	// Step 10.
	d.PolicyVersion = doc.Version

	return d
}

func routeMatchesCategories(r Route, present map[detector.Category]bool) bool {
	if r.Match.Category == nil {
		return len(present) == 0
	}
	return present[*r.Match.Category]
}

func categorySet(spans []detector.Span) map[detector.Category]bool {
	set := make(map[detector.Category]bool)
	for _, s := range spans {
		set[s.Category] = true
	}
	return set
}

func intersectCategories(a, b []detector.Category) map[detector.Category]bool {
	setB := make(map[detector.Category]bool, len(b))
	for _, c := range b {
		setB[c] = true
	}
	result := make(map[detector.Category]bool)
	for _, c := range a {
		if setB[c] {
			result[c] = true
		}
	}
	return result
}

func first(list []string) string {
	if len(list) == 0 {
		return ""
	}
	return list[0]
}

func firstOf(primary, fallback []string) string {
	if len(primary) > 0 {
		return primary[0]
	}
	return first(fallback)
}

// SortedCategories returns the categories present in a Decision's allowed
// set, sorted, for deterministic logging/serialization.
func (d Decision) SortedCategories() []string {
	out := make([]string, 0, len(d.AllowedDetokenizeCategories))
	for c := range d.AllowedDetokenizeCategories {
		out = append(out, string(c))
	}
	sort.Strings(out)
	return out
}
