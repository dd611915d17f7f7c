// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package dataset loads the manifest of images and final questions that
// trees are built for.
//
// A manifest is YAML (JSON is accepted, being a YAML subset):
//
//	images:
//	  - book_id: acme-2023
//	    image_id: p12_fig3
//	    image_path: images/p12_fig3.png
//	    background: Revenue by segment, 2019-2023.
//	    final_questions:
//	      - fq_no: 1
//	        question: Did total revenue grow every year?
//	        options: {A: "No", B: "Yes"}
//	        answer: B
//
// Relative image paths resolve against the manifest's directory.
package dataset

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/chainforge/pkg/validation"
	"github.com/AleutianAI/chainforge/services/chainforge/search"
	"github.com/AleutianAI/chainforge/services/chainforge/tree"
)

// ErrInvalidManifest wraps every manifest validation failure.
var ErrInvalidManifest = errors.New("invalid manifest")

var manifestValidate = validator.New()

// Manifest lists the images to build trees for.
type Manifest struct {
	Images []Image `json:"images" yaml:"images" validate:"required,min=1,dive"`
}

// Image is one figure with its final questions.
type Image struct {
	BookID         string               `json:"book_id" yaml:"book_id" validate:"required"`
	ImageID        string               `json:"image_id" yaml:"image_id" validate:"required"`
	ImagePath      string               `json:"image_path" yaml:"image_path" validate:"required"`
	Background     string               `json:"background,omitempty" yaml:"background,omitempty"`
	FinalQuestions []tree.FinalQuestion `json:"final_questions" yaml:"final_questions" validate:"required,min=1,dive"`
}

// Load reads and validates the manifest at path.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	m, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	m.resolvePaths(filepath.Dir(path))
	return m, nil
}

// Parse decodes and validates manifest bytes. Image paths are left as written.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrInvalidManifest, err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks field tags and the cross-entry rules: (book, image) pairs
// are unique, fq numbers are unique within an image, and every option has a
// label.
func (m *Manifest) Validate() error {
	if err := manifestValidate.Struct(m); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	seen := make(map[[2]string]bool, len(m.Images))
	for _, img := range m.Images {
		if err := validation.ValidateIDs([]string{img.BookID, img.ImageID}); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidManifest, err)
		}
		id := [2]string{img.BookID, img.ImageID}
		if seen[id] {
			return fmt.Errorf("%w: duplicate image %s/%s", ErrInvalidManifest, img.BookID, img.ImageID)
		}
		seen[id] = true

		fqs := make(map[int]bool, len(img.FinalQuestions))
		for _, fq := range img.FinalQuestions {
			if fqs[fq.FQNo] {
				return fmt.Errorf("%w: %s/%s: duplicate fq_no %d", ErrInvalidManifest, img.BookID, img.ImageID, fq.FQNo)
			}
			fqs[fq.FQNo] = true
			for _, opt := range fq.Options {
				if opt.Label == "" {
					return fmt.Errorf("%w: %s/%s fq %d: option without label", ErrInvalidManifest, img.BookID, img.ImageID, fq.FQNo)
				}
			}
		}
	}
	return nil
}

func (m *Manifest) resolvePaths(dir string) {
	for i := range m.Images {
		if p := m.Images[i].ImagePath; !filepath.IsAbs(p) {
			m.Images[i].ImagePath = filepath.Join(dir, p)
		}
	}
}

// Tasks expands the manifest into one search.Task per final question, in
// manifest order.
func (m *Manifest) Tasks() []search.Task {
	var tasks []search.Task
	for _, img := range m.Images {
		for _, fq := range img.FinalQuestions {
			tasks = append(tasks, search.Task{
				BookID:     img.BookID,
				ImageID:    img.ImageID,
				ImagePath:  img.ImagePath,
				Background: img.Background,
				Final:      fq,
			})
		}
	}
	return tasks
}
