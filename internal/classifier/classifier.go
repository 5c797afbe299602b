// Package classifier scores outbound payloads for export-control/ITAR
// advisory content by counting keyword hits against a threshold.
package classifier

import (
	"strings"

	"elida/internal/detector"
)

// Config controls the keyword list and the match-count threshold.
type Config struct {
	Keywords  []string
	Threshold int
}

func DefaultConfig() Config {
	return Config{
		Keywords:  defaultKeywords,
		Threshold: 2,
	}
}

// defaultKeywords is the aviation/ITAR export-control vocabulary: terms that,
// in aggregate, indicate a payload is discussing controlled eVTOL/aircraft
// technical data rather than any single term being dispositive on its own.
var defaultKeywords = []string{
	"evtol", "vtol", "itar", "ear", "eccn", "faa", "airworthiness",
	"type certificate", "flight control", "avionics", "autopilot",
	"aerodynamic", "propulsion", "composite", "airframe", "payload capacity",
	"v-speed",
}

// Classifier scores payloads for export-control advisory content.
type Classifier struct {
	cfg      Config
	keywords []string
}

func New(cfg Config) *Classifier {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 2
	}
	if len(cfg.Keywords) == 0 {
		cfg.Keywords = defaultKeywords
	}
	lower := make([]string, len(cfg.Keywords))
	for i, k := range cfg.Keywords {
		lower[i] = strings.ToLower(k)
	}
	return &Classifier{cfg: cfg, keywords: lower}
}

// Classify counts keyword occurrences in payload and, if the count meets the
// configured threshold, returns a single advisory span covering the full
// payload with confidence min(1.0, matches/(threshold*3)). Below threshold,
// it returns no span and no error: classification is advisory-only and never
// fails the request.
func (c *Classifier) Classify(payload string) []detector.Span {
	lowerPayload := strings.ToLower(payload)
	matches := 0
	for _, kw := range c.keywords {
		matches += strings.Count(lowerPayload, kw)
	}
	if matches < c.cfg.Threshold {
		return nil
	}

	confidence := float64(matches) / float64(c.cfg.Threshold*3)
	if confidence > 1.0 {
		confidence = 1.0
	}

	return []detector.Span{
		{
			Start:      0,
			End:        len(payload),
			Category:   detector.CategoryExportControl,
			Type:       "EXPORT_CONTROL_ADVISORY",
			Confidence: confidence,
		},
	}
}
