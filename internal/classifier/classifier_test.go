package classifier

import (
	"testing"

	"elida/internal/detector"
)

func TestClassify_BelowThresholdProducesNoSpan(t *testing.T) {
	c := New(Config{Keywords: []string{"itar", "usml"}, Threshold: 2})
	spans := c.Classify("this document references ITAR once and nothing else controlled")
	if spans != nil {
		t.Fatalf("expected no span below threshold, got %v", spans)
	}
}

func TestClassify_AtThresholdProducesSingleAdvisorySpan(t *testing.T) {
	c := New(Config{Keywords: []string{"itar", "usml", "wassenaar"}, Threshold: 2})
	payload := "this is governed by ITAR and appears on the USML"
	spans := c.Classify(payload)
	if len(spans) != 1 {
		t.Fatalf("expected exactly one advisory span, got %d", len(spans))
	}
	s := spans[0]
	if s.Category != detector.CategoryExportControl {
		t.Fatalf("expected export_control category, got %s", s.Category)
	}
	if s.Start != 0 || s.End != len(payload) {
		t.Fatalf("expected span to cover full payload, got [%d,%d)", s.Start, s.End)
	}
}

func TestClassify_ConfidenceFormula(t *testing.T) {
	c := New(Config{Keywords: []string{"itar"}, Threshold: 2})
	spans := c.Classify("itar itar itar itar itar itar")
	if len(spans) != 1 {
		t.Fatalf("expected a span, got %d", len(spans))
	}
	// matches=6, threshold=2 -> confidence = 6/(2*3) = 1.0 (capped)
	if spans[0].Confidence != 1.0 {
		t.Fatalf("expected confidence 1.0, got %f", spans[0].Confidence)
	}
}

func TestClassify_ConfidenceBelowCap(t *testing.T) {
	c := New(Config{Keywords: []string{"itar", "usml"}, Threshold: 2})
	spans := c.Classify("itar itar usml") // matches=3, threshold=2 -> 3/6=0.5
	if len(spans) != 1 {
		t.Fatalf("expected a span, got %d", len(spans))
	}
	if spans[0].Confidence != 0.5 {
		t.Fatalf("expected confidence 0.5, got %f", spans[0].Confidence)
	}
}

func TestClassify_CaseInsensitive(t *testing.T) {
	c := New(Config{Keywords: []string{"itar", "usml"}, Threshold: 2})
	spans := c.Classify("ITAR and USML both apply here")
	if len(spans) != 1 {
		t.Fatalf("expected case-insensitive matching to still trigger, got %d spans", len(spans))
	}
}

func TestDefaultConfig_MatchesAviationVocabulary(t *testing.T) {
	c := New(DefaultConfig())
	payload := "this eVTOL's avionics and flight control software are ITAR controlled"
	spans := c.Classify(payload)
	if len(spans) != 1 {
		t.Fatalf("expected aviation/ITAR vocabulary to classify, got %d spans", len(spans))
	}
}

func TestDefaultConfig_DoesNotMatchUnrelatedMunitionsVocabulary(t *testing.T) {
	c := New(DefaultConfig())
	payload := "warhead nerve agent fissile material ofac sanctions"
	spans := c.Classify(payload)
	if spans != nil {
		t.Fatalf("expected no span for non-aviation munitions vocabulary, got %v", spans)
	}
}
