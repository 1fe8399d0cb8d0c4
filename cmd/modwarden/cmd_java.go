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
	"sort"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/ModWarden/pkg/ux"
	"github.com/AleutianAI/ModWarden/services/warden/crash"
)

// javaName maps class-file majors to the Java release operators know.
func javaName(major int) string {
	if major < 45 {
		return fmt.Sprintf("major %d", major)
	}
	return fmt.Sprintf("Java %d", major-44)
}

func runJava(cmd *cobra.Command, args []string) {
	cfg, err := loadConfig()
	if err != nil {
		fail(err)
	}

	report, err := crash.NewScanner(nil).Scan(modsDir(cfg), cfg.Server.JavaMajor)
	if err != nil {
		fail(err)
	}

	ux.Title("Java compatibility")
	ux.KeyValue("running", javaName(report.RunningMajor))
	ux.KeyValue("jars scanned", fmt.Sprintf("%d", report.Scanned))

	majors := make([]int, 0, len(report.Histogram))
	for major := range report.Histogram {
		majors = append(majors, major)
	}
	sort.Ints(majors)
	for _, major := range majors {
		line := fmt.Sprintf("%s: %d mods", javaName(major), report.Histogram[major])
		if major > report.RunningMajor {
			ux.ModStatus(line, ux.IconError, "needs newer runtime")
		} else {
			ux.Info(line)
		}
	}

	if report.RecommendMajor > 0 {
		ux.Warning(fmt.Sprintf("upgrade the server JRE to %s to run every installed mod",
			javaName(report.RecommendMajor)))
		return
	}
	ux.Success("installed runtime covers every mod")
}
