// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command catalog manages and serves the hierarchical catalog.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/AleutianAI/AleutianCatalog/services/catalog/domain"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(os.Stdout).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(exitCode(err))
	}
}

// exitCode maps the error taxonomy to process exit codes so scripts can
// tell a rejected request from an outage.
func exitCode(err error) int {
	var de *domain.Error
	if !errors.As(err, &de) {
		return 1
	}
	switch de.Kind {
	case domain.KindValidation:
		return 2
	case domain.KindNotFound:
		return 3
	case domain.KindStoreUnavailable:
		return 5
	default:
		return 4
	}
}
