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
	"github.com/awnumar/memguard"

	"github.com/AleutianAI/ModWarden/pkg/ux"
)

func main() {
	// Wipe every enclave before the process dies, signals included.
	memguard.CatchInterrupt()
	defer memguard.Purge()

	if err := rootCmd.Execute(); err != nil {
		ux.Error(err.Error())
		memguard.SafeExit(1)
	}
}

// fail prints the error and exits. Command handlers use it instead of
// returning errors so cobra does not re-print usage on runtime
// failures.
func fail(err error) {
	ux.Error(err.Error())
	memguard.SafeExit(1)
}
