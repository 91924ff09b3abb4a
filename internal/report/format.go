// Copyright 2025 The FlakeGuard Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package report

import (
	"bytes"
	"path"
	"strings"
)

// Format identifies the producer dialect of a report file.
type Format string

const (
	FormatSurefire Format = "surefire"
	FormatGradle   Format = "gradle"
	FormatJest     Format = "jest"
	FormatPytest   Format = "pytest"
	FormatPHPUnit  Format = "phpunit"
	FormatGeneric  Format = "generic"
)

// sniffLimit is how many leading bytes of an entry are examined for
// content detection.
const sniffLimit = 2048

// contentWins is the confidence at which a content match overrides the
// filename match.
const contentWins = 0.7

// Detection is a format guess with its confidence in [0, 1].
type Detection struct {
	Format     Format
	Confidence float64
}

// DetectFormat guesses the dialect from the entry path and the first
// bytes of content. A confident content match wins over the filename.
func DetectFormat(name string, head []byte) Detection {
	if len(head) > sniffLimit {
		head = head[:sniffLimit]
	}
	byContent := detectByContent(head)
	byName := detectByName(name)
	if byContent.Confidence >= contentWins && byContent.Confidence >= byName.Confidence {
		return byContent
	}
	if byName.Confidence > byContent.Confidence {
		return byName
	}
	if byContent.Confidence > 0 {
		return byContent
	}
	return Detection{FormatGeneric, 0.3}
}

func detectByName(name string) Detection {
	lower := strings.ToLower(name)
	base := path.Base(lower)
	switch {
	case strings.Contains(lower, "surefire-reports"):
		return Detection{FormatSurefire, 0.9}
	case strings.HasPrefix(base, "test-") && strings.HasSuffix(base, ".xml") && strings.Contains(base, "."):
		// Maven surefire writes TEST-<fqcn>.xml.
		return Detection{FormatSurefire, 0.8}
	case strings.Contains(lower, "build/test-results"):
		return Detection{FormatGradle, 0.8}
	case strings.Contains(base, "jest"):
		return Detection{FormatJest, 0.7}
	case strings.Contains(base, "pytest"):
		return Detection{FormatPytest, 0.7}
	case strings.Contains(base, "phpunit"):
		return Detection{FormatPHPUnit, 0.7}
	case strings.HasSuffix(base, ".xml"):
		return Detection{FormatGeneric, 0.3}
	default:
		return Detection{FormatGeneric, 0}
	}
}

func detectByContent(head []byte) Detection {
	lower := bytes.ToLower(head)
	has := func(s string) bool { return bytes.Contains(lower, []byte(s)) }
	switch {
	case has(`name="pytest"`):
		return Detection{FormatPytest, 0.9}
	case has(`name="jest tests"`) || has("jest-junit"):
		return Detection{FormatJest, 0.9}
	case has("phpunit"):
		return Detection{FormatPHPUnit, 0.85}
	case has(`file="`) && has(".php"):
		return Detection{FormatPHPUnit, 0.75}
	case has("surefire"):
		return Detection{FormatSurefire, 0.8}
	case has("gradle"):
		return Detection{FormatGradle, 0.8}
	case has("pytest"):
		return Detection{FormatPytest, 0.75}
	case has("<testsuite"):
		return Detection{FormatGeneric, 0.5}
	default:
		return Detection{FormatGeneric, 0}
	}
}
