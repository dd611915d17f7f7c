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

import "errors"

// Sentinel errors for the tree package.
var (
	ErrUnknownNode       = errors.New("unknown question node")
	ErrUnknownAction     = errors.New("unknown answer action")
	ErrRootExists        = errors.New("root node already exists")
	ErrNoRoot            = errors.New("tree has no root node")
	ErrInvariant         = errors.New("tree invariant violated")
	ErrUnknownCapability = errors.New("unknown capability")
)
