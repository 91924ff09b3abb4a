// Copyright 2025 The FlakeGuard Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package report normalizes CI test report archives into a uniform
// structure. It understands several JUnit XML dialects and the archive
// containers CI systems wrap them in.
package report

import (
	"strings"
	"time"
)

// Status is the normalized outcome of one executed test case.
type Status string

// Statuses the parser emits. Scoring may derive further states, but
// parsed occurrences only ever carry these.
const (
	StatusPassed  Status = "passed"
	StatusFailed  Status = "failed"
	StatusError   Status = "error"
	StatusSkipped Status = "skipped"
)

// NormalizeStatus maps a raw report status onto the persisted set.
// Unrecognized values pass through lowercased.
func NormalizeStatus(raw string) Status {
	switch strings.ToLower(raw) {
	case "passed", "success":
		return StatusPassed
	case "failed", "failure":
		return StatusFailed
	case "error":
		return StatusError
	case "skipped", "skip", "ignored":
		return StatusSkipped
	default:
		return Status(strings.ToLower(raw))
	}
}

// TestCase is one executed test inside a suite.
type TestCase struct {
	Name      string
	ClassName string
	// Suite is the name of the enclosing suite.
	Suite string
	// File is the source path as reported, when the dialect carries one.
	File       string
	Status     Status
	DurationMs int64
	// FailureMessage is the message attribute of the failure or error
	// element. Empty for passing and skipped cases.
	FailureMessage string
	// FailureDetail is the text body of the failure or error element,
	// typically a stack trace.
	FailureDetail string
	SystemOut     string
}

// FullName is the stable identity of the case across runs: the non-empty
// components of suite, class and name joined with dots. Adjacent equal
// components collapse, as surefire names suites after the test class.
func (c *TestCase) FullName() string {
	parts := make([]string, 0, 3)
	for _, p := range []string{c.Suite, c.ClassName, c.Name} {
		if p == "" || (len(parts) > 0 && parts[len(parts)-1] == p) {
			continue
		}
		parts = append(parts, p)
	}
	return strings.Join(parts, ".")
}

// TestSuite groups the cases of one reported suite. Totals are always
// recomputed from the cases, never trusted from document attributes.
type TestSuite struct {
	Name       string
	Package    string
	Tests      int
	Failures   int
	Errors     int
	Skipped    int
	DurationMs int64
	// Timestamp is the suite's reported start time, zero when absent.
	Timestamp time.Time
	Cases     []TestCase
}

// recount synchronizes the suite totals with its cases.
func (s *TestSuite) recount() {
	s.Tests = len(s.Cases)
	s.Failures, s.Errors, s.Skipped = 0, 0, 0
	for i := range s.Cases {
		switch s.Cases[i].Status {
		case StatusFailed:
			s.Failures++
		case StatusError:
			s.Errors++
		case StatusSkipped:
			s.Skipped++
		}
	}
}

// TestSuites is the aggregate result of parsing an archive. Totals equal
// the sums over the contained suites.
type TestSuites struct {
	Tests      int
	Failures   int
	Errors     int
	Skipped    int
	DurationMs int64
	Suites     []TestSuite
}

// Add appends a suite and folds its totals into the aggregate.
func (ts *TestSuites) Add(s TestSuite) {
	ts.Suites = append(ts.Suites, s)
	ts.Tests += s.Tests
	ts.Failures += s.Failures
	ts.Errors += s.Errors
	ts.Skipped += s.Skipped
	ts.DurationMs += s.DurationMs
}

// Merge folds all suites of other into ts.
func (ts *TestSuites) Merge(other *TestSuites) {
	for _, s := range other.Suites {
		ts.Add(s)
	}
}
