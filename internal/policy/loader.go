package policy

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadDocument reads and parses a PolicyDocument from a YAML file. A
// malformed or unreadable file is a fatal startup error per the caller's
// contract; LoadDocument itself just returns the error for the caller to
// treat as fatal.
func LoadDocument(path string) (Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Document{}, fmt.Errorf("reading policy file %q: %w", path, err)
	}

	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return Document{}, fmt.Errorf("parsing policy file %q: %w", path, err)
	}

	if err := validateDocument(doc); err != nil {
		return Document{}, fmt.Errorf("invalid policy file %q: %w", path, err)
	}

	return doc, nil
}

func validateDocument(doc Document) error {
	if doc.Version == 0 {
		return fmt.Errorf("policy document must set a non-zero version")
	}
	for i, r := range doc.Routes {
		switch r.Action {
		case ActionBlock, ActionRedact, ActionInternalOnly, ActionAllow:
		default:
			return fmt.Errorf("route %d (%q): unknown action %q", i, r.Name, r.Action)
		}
	}
	return nil
}
