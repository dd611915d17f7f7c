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
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

// Set with -ldflags "-X main.version=...".
var version = "dev"

var (
	rootCmd = &cobra.Command{
		Use:   "chainforge",
		Short: "Synthesizes multi-step reasoning chains for financial document images",
		Long: `chainforge builds one search tree per (image, final question) pair.
Each tree holds chains of perception, extraction, calculation, pattern,
logic and decision questions that lead up to the final question.`,
		SilenceUsage: true,
	}

	buildCmd = &cobra.Command{
		Use:   "build",
		Short: "Build trees for every final question in a manifest",
		Long: `Builds trees for the manifest's final questions. Trees already on disk are
skipped and interrupted builds resume from their checkpoint.`,
		Args: cobra.NoArgs,
		RunE: runBuild,
	}
	configPath   string
	manifestPath string
	outDir       string
	dryRun       bool
	workers      int

	inspectCmd = &cobra.Command{
		Use:   "inspect",
		Short: "Summarize a built tree or one of its chains",
		Args:  cobra.NoArgs,
		RunE:  runInspect,
	}
	inspectBook  string
	inspectImage string
	inspectFQ    int
	inspectChain int
	inspectJSON  bool

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "chainforge %s (%s)\n", version, runtime.Version())
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "chainforge.yaml", "Config file (YAML or JSON)")
	rootCmd.PersistentFlags().StringVarP(&outDir, "out", "o", "", "Output root, overrides storage.root")

	rootCmd.AddCommand(buildCmd)
	buildCmd.Flags().StringVarP(&manifestPath, "manifest", "m", "", "Dataset manifest (YAML or JSON)")
	buildCmd.Flags().BoolVar(&dryRun, "dry-run", false, "Use a scripted Oracle instead of the API")
	buildCmd.Flags().IntVarP(&workers, "workers", "w", 0, "Parallel tree builds, overrides runner.workers")
	_ = buildCmd.MarkFlagRequired("manifest")

	rootCmd.AddCommand(inspectCmd)
	inspectCmd.Flags().StringVar(&inspectBook, "book", "", "Book id")
	inspectCmd.Flags().StringVar(&inspectImage, "image", "", "Image id")
	inspectCmd.Flags().IntVar(&inspectFQ, "fq", 0, "Final question number")
	inspectCmd.Flags().IntVar(&inspectChain, "chain", -1, "Show one chain instead of the tree summary")
	inspectCmd.Flags().BoolVar(&inspectJSON, "json", false, "Print JSON")
	_ = inspectCmd.MarkFlagRequired("book")
	_ = inspectCmd.MarkFlagRequired("image")

	rootCmd.AddCommand(versionCmd)
}
