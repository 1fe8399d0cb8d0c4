// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package crash

import (
	"archive/zip"
	"encoding/binary"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

const (
	classMagic = 0xCAFEBABE

	// Class file major 44 + N is Java N (52 = Java 8, 65 = Java 21).
	classMajorBase = 44

	// upgradeConsensus is the share of jars that must agree on a
	// newer Java before the report recommends a runtime upgrade
	// instead of mass quarantine.
	upgradeConsensus = 0.9
)

// JavaReport buckets the installed jars by the Java major they were
// compiled for.
type JavaReport struct {
	RunningMajor int `json:"running_major"`
	Scanned      int `json:"scanned"`

	// Histogram counts jars per required Java major.
	Histogram map[int]int `json:"histogram"`

	// RecommendMajor is the Java major to upgrade to, 0 when the
	// current runtime fits the mod set.
	RecommendMajor int `json:"recommend_major"`
}

// Scanner reads class file headers out of installed jars.
type Scanner struct {
	log *slog.Logger
}

// NewScanner returns a Scanner logging through log. A nil log
// disables the warnings.
func NewScanner(log *slog.Logger) *Scanner {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Scanner{log: log}
}

// Scan reads each jar's first class file header and buckets the mods
// by required Java major. When at least 90% of the readable jars
// demand the same major and it is newer than runningMajor, the report
// recommends upgrading the runtime.
func (s *Scanner) Scan(modsDir string, runningMajor int) (*JavaReport, error) {
	entries, err := os.ReadDir(modsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return &JavaReport{RunningMajor: runningMajor, Histogram: map[int]int{}}, nil
		}
		return nil, err
	}

	report := &JavaReport{RunningMajor: runningMajor, Histogram: make(map[int]int)}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".jar") {
			continue
		}
		p := filepath.Join(modsDir, e.Name())
		major, err := jarClassMajor(p)
		if err != nil {
			s.log.Warn("class version scan skipped archive", "archive", p, "error", err)
			continue
		}
		if major == 0 {
			continue
		}
		report.Scanned++
		report.Histogram[major-classMajorBase]++
	}

	dominant, count := 0, 0
	for major, n := range report.Histogram {
		if n > count || (n == count && major > dominant) {
			dominant, count = major, n
		}
	}
	if report.Scanned > 0 && dominant > runningMajor &&
		float64(count)/float64(report.Scanned) >= upgradeConsensus {
		report.RecommendMajor = dominant
	}
	return report, nil
}

// jarClassMajor returns the class file major version of the first
// class entry in the archive, or 0 when the jar carries none.
func jarClassMajor(path string) (int, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return 0, err
	}
	defer zr.Close()

	for _, f := range zr.File {
		if !strings.HasSuffix(f.Name, ".class") {
			continue
		}
		// Multi-release copies under META-INF/versions target newer
		// runtimes than the jar requires; module-info majors lie the
		// same way.
		if strings.HasPrefix(f.Name, "META-INF/versions/") ||
			strings.HasSuffix(f.Name, "module-info.class") {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return 0, err
		}
		var hdr [8]byte
		_, err = io.ReadFull(rc, hdr[:])
		rc.Close()
		if err != nil {
			return 0, err
		}
		if binary.BigEndian.Uint32(hdr[:4]) != classMagic {
			continue
		}
		return int(binary.BigEndian.Uint16(hdr[6:8])), nil
	}
	return 0, nil
}

// HasUnsupportedClassVersion reports whether the log shows the JVM
// refusing a class compiled for a newer runtime. It is the trigger
// for a Scan.
func HasUnsupportedClassVersion(logText string) bool {
	return strings.Contains(strings.ToLower(logText), "unsupportedclassversionerror")
}
