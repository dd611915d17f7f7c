// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command chainforge builds curriculum-guided reasoning-chain trees for
// financial document images.
//
// Usage:
//
//	chainforge build --manifest data/manifest.yaml --out output
//	chainforge build --config chainforge.yaml --manifest data/manifest.yaml --dry-run
//	chainforge inspect --out output --book acme-2023 --image p12_fig3 --fq 1
//	chainforge version
//
// The Oracle API key is read from the env var named by oracle.api_key_env
// (OPENAI_API_KEY by default) or from oracle.api_key_file. A .env file in
// the working directory is loaded first.
package main

import (
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
