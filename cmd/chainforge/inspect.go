// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/chainforge/pkg/ux"
	"github.com/AleutianAI/chainforge/services/chainforge/storage"
	"github.com/AleutianAI/chainforge/services/chainforge/tree"
)

type treeReport struct {
	Key     storage.Key  `json:"key"`
	Summary tree.Summary `json:"summary"`
}

func runInspect(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logs, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logs.Close()

	st, err := storage.Open(cfg.Storage, logs.Slog())
	if err != nil {
		return err
	}
	defer st.Close()

	key := storage.Key{BookID: inspectBook, ImageID: inspectImage, FQNo: inspectFQ}
	out := cmd.OutOrStdout()

	if inspectChain >= 0 {
		rec, err := st.LoadChain(cmd.Context(), key, inspectChain)
		if err != nil {
			return err
		}
		if inspectJSON {
			return writeJSON(out, rec)
		}
		return printChain(out, key, rec)
	}

	nodes, actions, err := st.LoadTree(cmd.Context(), key)
	if err != nil {
		return err
	}
	restored, err := tree.Restore(nodes, actions)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	report := treeReport{Key: key, Summary: restored.Summarize()}
	if inspectJSON {
		return writeJSON(out, report)
	}
	return printSummary(out, report)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printSummary(w io.Writer, r treeReport) error {
	p := ux.NewPrinter(w, isTerminal(w))
	p.Title("Tree " + r.Key.String())
	rows := []ux.Row{
		{Key: "Nodes", Value: strconv.Itoa(r.Summary.Nodes)},
		{Key: "Actions", Value: strconv.Itoa(r.Summary.Actions)},
		{Key: "Final actions", Value: strconv.Itoa(r.Summary.FinalActions)},
		{Key: "Provisional", Value: strconv.Itoa(r.Summary.Provisional)},
		{Key: "Max depth", Value: strconv.Itoa(r.Summary.MaxDepth)},
		{Key: "Root visits", Value: strconv.Itoa(r.Summary.RootVisits)},
	}

	caps := make([]tree.Capability, 0, len(r.Summary.ByCapability))
	for c := range r.Summary.ByCapability {
		caps = append(caps, c)
	}
	sort.Slice(caps, func(i, j int) bool { return caps[i] < caps[j] })
	for _, c := range caps {
		rows = append(rows, ux.Row{Key: c.String(), Value: strconv.Itoa(r.Summary.ByCapability[c]), Indent: true})
	}
	return p.Table(rows)
}

func printChain(w io.Writer, key storage.Key, rec storage.ChainRecord) error {
	p := ux.NewPrinter(w, isTerminal(w))
	p.Title(fmt.Sprintf("Chain %s #%d", key, rec.Index))
	if rec.Correct {
		p.Status(ux.IconSuccess, "Correct: "+rec.FinalAnswer)
	} else {
		p.Status(ux.IconError, "Incorrect: "+rec.FinalAnswer)
	}
	rows := make([]ux.Row, 0, len(rec.Content))
	for i, item := range rec.Content {
		rows = append(rows, ux.Row{Key: fmt.Sprintf("%d %s", i+1, item.Capability), Value: item.Description})
	}
	return p.Table(rows)
}

// isTerminal reports whether w is a terminal file.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
