package detector

import (
	"context"
	"fmt"
	"sort"
	"time"
	"unicode/utf8"
)

// Config controls battery selection and the defensive timeout budget.
type Config struct {
	// InternalDomainSuffixes marks hostnames under these suffixes as
	// ops_sensitive (e.g. "corp.internal").
	InternalDomainSuffixes []string

	// PerPatternBudget bounds the wall-clock time a single pattern may spend
	// scanning a payload before Detect returns DetectorTimeout. Go's RE2
	// engine cannot catastrophically backtrack, so this is a defensive
	// ceiling rather than a correctness requirement.
	PerPatternBudget time.Duration
}

func DefaultConfig() Config {
	return Config{
		PerPatternBudget: 50 * time.Millisecond,
	}
}

// Detector finds sensitive spans in outbound payloads.
type Detector struct {
	cfg      Config
	patterns []patternSpec
}

func New(cfg Config) *Detector {
	if cfg.PerPatternBudget <= 0 {
		cfg.PerPatternBudget = 50 * time.Millisecond
	}
	return &Detector{
		cfg:      cfg,
		patterns: defaultPatterns(cfg.InternalDomainSuffixes),
	}
}

// ErrKind mirrors the taxonomy's InvalidInput/DetectorTimeout error kinds.
type ErrKind string

const (
	ErrInvalidInput   ErrKind = "invalid_input"
	ErrDetectorTimeout ErrKind = "detector_timeout"
)

type Error struct {
	Kind ErrKind
	Msg  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

// Detect scans payload for sensitive spans and returns the deterministic,
// non-overlapping result set: overlapping candidates are resolved by
// Span.wins (category priority, then longer span, then earlier start, then
// lexicographic type).
func (d *Detector) Detect(ctx context.Context, payload string) ([]Span, error) {
	if !utf8.ValidString(payload) {
		return nil, &Error{Kind: ErrInvalidInput, Msg: "payload is not valid UTF-8"}
	}

	var candidates []Span
	for _, p := range d.patterns {
		select {
		case <-ctx.Done():
			return nil, &Error{Kind: ErrDetectorTimeout, Msg: "context canceled during detection"}
		default:
		}

		start := time.Now()
		locs := p.re.FindAllStringIndex(payload, -1)
		if time.Since(start) > d.cfg.PerPatternBudget {
			return nil, &Error{Kind: ErrDetectorTimeout, Msg: fmt.Sprintf("pattern %q exceeded budget", p.name)}
		}
		for _, loc := range locs {
			match := payload[loc[0]:loc[1]]
			if p.validate != nil && !p.validate(match) {
				continue
			}
			candidates = append(candidates, Span{
				Start:      loc[0],
				End:        loc[1],
				Category:   p.category,
				Type:       p.typ,
				Confidence: p.confidence,
			})
		}
	}

	return resolveOverlaps(candidates), nil
}

// resolveOverlaps sorts candidates by start offset and greedily keeps the
// winner of each overlapping cluster, per Span.wins.
func resolveOverlaps(candidates []Span) []Span {
	if len(candidates) == 0 {
		return nil
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Start != candidates[j].Start {
			return candidates[i].Start < candidates[j].Start
		}
		return candidates[i].wins(candidates[j])
	})

	var result []Span
	for _, c := range candidates {
		displaced := -1
		kept := true
		for i, r := range result {
			if !r.overlaps(c) {
				continue
			}
			if c.wins(r) {
				displaced = i
			} else {
				kept = false
			}
			break
		}
		if !kept {
			continue
		}
		if displaced >= 0 {
			result[displaced] = c
		} else {
			result = append(result, c)
		}
	}

	sort.Slice(result, func(i, j int) bool { return result[i].Start < result[j].Start })
	return dedupeAdjacentOverlaps(result)
}

// dedupeAdjacentOverlaps makes a second pass to clean up any overlaps
// introduced by the displaced-in-place replacement above (a replacement can
// newly overlap a neighbor it didn't originally compete with).
func dedupeAdjacentOverlaps(spans []Span) []Span {
	changed := true
	for changed {
		changed = false
		for i := 0; i < len(spans)-1; i++ {
			if spans[i].overlaps(spans[i+1]) {
				if spans[i+1].wins(spans[i]) {
					spans = append(spans[:i], spans[i+1:]...)
				} else {
					spans = append(spans[:i+1], spans[i+2:]...)
				}
				changed = true
				break
			}
		}
	}
	return spans
}
