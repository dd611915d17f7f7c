// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package tree

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode"
)

// Capability is the reasoning skill a question exercises.
//
// Capabilities are ordered: a chain climbs from Perception towards
// DecisionSupport, which is terminal. The zero value means "no capability"
// and is used for an empty chain.
type Capability int

const (
	CapabilityNone Capability = iota
	Perception
	DataExtraction
	CalculationAnalysis
	PatternRecognition
	LogicalReasoning
	DecisionSupport
)

// AllCapabilities lists the capabilities in curriculum order.
var AllCapabilities = []Capability{
	Perception,
	DataExtraction,
	CalculationAnalysis,
	PatternRecognition,
	LogicalReasoning,
	DecisionSupport,
}

var capabilityNames = map[Capability]string{
	CapabilityNone:      "",
	Perception:          "Perception",
	DataExtraction:      "DataExtraction",
	CalculationAnalysis: "CalculationAnalysis",
	PatternRecognition:  "PatternRecognition",
	LogicalReasoning:    "LogicalReasoning",
	DecisionSupport:     "DecisionSupport",
}

// String returns the CamelCase name of the capability.
func (c Capability) String() string {
	if name, ok := capabilityNames[c]; ok {
		return name
	}
	return fmt.Sprintf("Capability(%d)", int(c))
}

// Valid reports whether c is one of the six curriculum capabilities.
func (c Capability) Valid() bool {
	return c >= Perception && c <= DecisionSupport
}

// IsTerminal reports whether c is the last curriculum level.
func (c Capability) IsTerminal() bool {
	return c == DecisionSupport
}

// Description returns a one-line explanation used in Oracle prompts.
func (c Capability) Description() string {
	switch c {
	case Perception:
		return "identify visual elements of the image: chart type, axes, legends, labels, layout"
	case DataExtraction:
		return "read concrete values, labels and units from the image"
	case CalculationAnalysis:
		return "compute derived quantities such as differences, ratios, growth rates or totals"
	case PatternRecognition:
		return "identify trends, anomalies, correlations or recurring structures"
	case LogicalReasoning:
		return "combine earlier findings into inferences about causes and implications"
	case DecisionSupport:
		return "draw conclusions that directly support answering the final question"
	default:
		return ""
	}
}

// ParseCapability parses a capability name.
//
// Matching ignores case, spaces, underscores, hyphens, ampersands and the
// word "and", so "Calculation & Analysis", "calculation_analysis" and
// "CalculationAnalysis" all parse to CalculationAnalysis.
//
// Outputs:
//   - Capability: The parsed capability.
//   - error: Non-nil if the name matches no capability.
func ParseCapability(s string) (Capability, error) {
	key := normalizeCapabilityName(s)
	for c, name := range capabilityNames {
		if c == CapabilityNone {
			continue
		}
		if normalizeCapabilityName(name) == key {
			return c, nil
		}
	}
	return CapabilityNone, fmt.Errorf("%w: %q", ErrUnknownCapability, s)
}

func normalizeCapabilityName(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) {
			b.WriteRune(r)
		}
	}
	return strings.ReplaceAll(b.String(), "and", "")
}

// MarshalJSON encodes the capability as its name.
func (c Capability) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.String())
}

// UnmarshalJSON decodes a capability from its name.
// An empty string or null decodes to CapabilityNone.
func (c *Capability) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("capability must be a string: %w", err)
	}
	if s == "" {
		*c = CapabilityNone
		return nil
	}
	parsed, err := ParseCapability(s)
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// MarshalText implements encoding.TextMarshaler so capabilities can be map keys.
func (c Capability) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *Capability) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*c = CapabilityNone
		return nil
	}
	parsed, err := ParseCapability(string(text))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}
