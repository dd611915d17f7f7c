// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package dataset

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/chainforge/services/chainforge/tree"
)

const yamlManifest = `
images:
  - book_id: acme-2023
    image_id: p12_fig3
    image_path: images/p12_fig3.png
    background: Revenue by segment, 2019-2023.
    final_questions:
      - fq_no: 1
        question: Did total revenue grow every year?
        options: {B: "Yes", A: "No"}
        answer: B
      - fq_no: 2
        question: Which segment is largest in 2023?
        answer: Retail
  - book_id: acme-2023
    image_id: p14_table1
    image_path: /abs/p14_table1.png
    final_questions:
      - fq_no: 0
        question: What is the operating margin?
        answer: 12%
`

func TestParse_YAML(t *testing.T) {
	m, err := Parse([]byte(yamlManifest))
	require.NoError(t, err)
	require.Len(t, m.Images, 2)

	img := m.Images[0]
	assert.Equal(t, "acme-2023", img.BookID)
	assert.Equal(t, "images/p12_fig3.png", img.ImagePath)
	require.Len(t, img.FinalQuestions, 2)
	assert.Equal(t, []string{"B", "A"}, img.FinalQuestions[0].Options.Labels(), "option order is kept")
	assert.Nil(t, img.FinalQuestions[1].Options)
}

func TestParse_JSON(t *testing.T) {
	data := `{"images":[{"book_id":"b","image_id":"i","image_path":"x.png",
		"final_questions":[{"fq_no":3,"question":"q?","options":{"C":"c","A":"a"},"answer":"C"}]}]}`
	m, err := Parse([]byte(data))
	require.NoError(t, err)
	fq := m.Images[0].FinalQuestions[0]
	assert.Equal(t, 3, fq.FQNo)
	assert.Equal(t, tree.Options{{Label: "C", Text: "c"}, {Label: "A", Text: "a"}}, fq.Options)
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"not yaml", "images: [unterminated"},
		{"no images", "images: []"},
		{"missing image path", `
images:
  - book_id: b
    image_id: i
    final_questions:
      - {fq_no: 1, question: q, answer: A}
`},
		{"missing answer", `
images:
  - book_id: b
    image_id: i
    image_path: x.png
    final_questions:
      - {fq_no: 1, question: q}
`},
		{"no final questions", `
images:
  - {book_id: b, image_id: i, image_path: x.png}
`},
		{"duplicate fq", `
images:
  - book_id: b
    image_id: i
    image_path: x.png
    final_questions:
      - {fq_no: 1, question: q, answer: A}
      - {fq_no: 1, question: r, answer: B}
`},
		{"duplicate image", `
images:
  - book_id: b
    image_id: i
    image_path: x.png
    final_questions: [{fq_no: 1, question: q, answer: A}]
  - book_id: b
    image_id: i
    image_path: y.png
    final_questions: [{fq_no: 2, question: q, answer: A}]
`},
		{"negative fq", `
images:
  - book_id: b
    image_id: i
    image_path: x.png
    final_questions: [{fq_no: -1, question: q, answer: A}]
`},
		{"traversal in book id", `
images:
  - book_id: ../etc
    image_id: i
    image_path: x.png
    final_questions: [{fq_no: 1, question: q, answer: A}]
`},
		{"slash in image id", `
images:
  - book_id: b
    image_id: a/b
    image_path: x.png
    final_questions: [{fq_no: 1, question: q, answer: A}]
`},
		{"empty option label", `
images:
  - book_id: b
    image_id: i
    image_path: x.png
    final_questions:
      - fq_no: 1
        question: q
        options: [{label: "", text: t}]
        answer: A
`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.data))
			assert.ErrorIs(t, err, ErrInvalidManifest)
		})
	}
}

func TestLoad_ResolvesRelativePaths(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "manifest.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yamlManifest), 0o600))

	m, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "images", "p12_fig3.png"), m.Images[0].ImagePath)
	assert.Equal(t, "/abs/p14_table1.png", m.Images[1].ImagePath)
}

func TestLoad_Missing(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestManifest_Tasks(t *testing.T) {
	m, err := Parse([]byte(yamlManifest))
	require.NoError(t, err)

	tasks := m.Tasks()
	require.Len(t, tasks, 3)
	assert.Equal(t, "p12_fig3", tasks[0].ImageID)
	assert.Equal(t, 1, tasks[0].Final.FQNo)
	assert.Equal(t, "Revenue by segment, 2019-2023.", tasks[0].Background)
	assert.Equal(t, 2, tasks[1].Final.FQNo)
	assert.Equal(t, "p14_table1", tasks[2].ImageID)
	assert.Equal(t, "12%", tasks[2].Final.Answer)
	for _, task := range tasks {
		assert.NoError(t, task.Validate())
	}
}
