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
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Option is one labelled choice of a multiple-choice question.
type Option struct {
	Label string `json:"label" yaml:"label"`
	Text  string `json:"text" yaml:"text"`
}

// Options is an ordered label → text mapping.
//
// It encodes as a JSON/YAML object whose key order matches the slice order,
// and decodes objects without losing the order they were written in. The
// array form [{"label":..,"text":..}] is accepted on decode as well.
type Options []Option

// Text returns the text for a label. Label matching ignores case.
func (o Options) Text(label string) (string, bool) {
	for _, opt := range o {
		if strings.EqualFold(opt.Label, label) {
			return opt.Text, true
		}
	}
	return "", false
}

// Labels returns the labels in order.
func (o Options) Labels() []string {
	labels := make([]string, len(o))
	for i, opt := range o {
		labels[i] = opt.Label
	}
	return labels
}

// Format renders the options one per line as "A. text".
func (o Options) Format() string {
	var sb strings.Builder
	for i, opt := range o {
		if i > 0 {
			sb.WriteByte('\n')
		}
		fmt.Fprintf(&sb, "%s. %s", opt.Label, opt.Text)
	}
	return sb.String()
}

// Clone returns a copy that shares no backing array with o.
func (o Options) Clone() Options {
	if o == nil {
		return nil
	}
	out := make(Options, len(o))
	copy(out, o)
	return out
}

// MarshalJSON writes the options as an ordered JSON object.
func (o Options) MarshalJSON() ([]byte, error) {
	if o == nil {
		return []byte("null"), nil
	}
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, opt := range o {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(opt.Label)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(opt.Text)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON reads an ordered JSON object, an array of options, or null.
func (o *Options) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*o = nil
		return nil
	}

	if trimmed[0] == '[' {
		var list []Option
		if err := json.Unmarshal(trimmed, &list); err != nil {
			return fmt.Errorf("decode options array: %w", err)
		}
		*o = list
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("decode options: %w", err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("decode options: expected object, got %v", tok)
	}

	out := Options{}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return fmt.Errorf("decode options key: %w", err)
		}
		label, ok := keyTok.(string)
		if !ok {
			return fmt.Errorf("decode options: non-string key %v", keyTok)
		}
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return fmt.Errorf("decode option %q: %w", label, err)
		}
		out = append(out, Option{Label: label, Text: rawOptionText(raw)})
	}
	if _, err := dec.Token(); err != nil {
		return fmt.Errorf("decode options end: %w", err)
	}

	*o = out
	return nil
}

// rawOptionText converts a JSON value to option text. Strings are unquoted;
// numbers and other scalars keep their literal form.
func rawOptionText(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return strings.TrimSpace(string(raw))
}

// MarshalYAML writes the options as an ordered YAML mapping.
func (o Options) MarshalYAML() (interface{}, error) {
	node := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
	for _, opt := range o {
		node.Content = append(node.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: opt.Label},
			&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: opt.Text},
		)
	}
	return node, nil
}

// UnmarshalYAML reads an ordered YAML mapping or a sequence of options.
func (o *Options) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.MappingNode:
		out := make(Options, 0, len(value.Content)/2)
		for i := 0; i+1 < len(value.Content); i += 2 {
			out = append(out, Option{
				Label: value.Content[i].Value,
				Text:  value.Content[i+1].Value,
			})
		}
		*o = out
		return nil
	case yaml.SequenceNode:
		var list []Option
		if err := value.Decode(&list); err != nil {
			return fmt.Errorf("decode options sequence: %w", err)
		}
		*o = list
		return nil
	case yaml.ScalarNode:
		if value.Tag == "!!null" {
			*o = nil
			return nil
		}
	}
	return fmt.Errorf("decode options: line %d: expected mapping", value.Line)
}
