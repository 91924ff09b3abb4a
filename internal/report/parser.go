// Copyright 2025 The FlakeGuard Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package report

import (
	"encoding/xml"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	"go.chromium.org/luci/common/errors"
)

// maxCaptureBytes bounds the text captured per element so a pathological
// stack trace cannot balloon memory.
const maxCaptureBytes = 64 << 10

// variant is the per-format behavior layered over the shared element
// loop. All dialects share the same JUnit element shapes; variants only
// differ in where identity attributes live.
type variant struct {
	// inheritSuiteFile propagates a suite-level file attribute onto
	// cases that lack their own. PHPUnit writes it on both levels.
	inheritSuiteFile bool
	// classNameFromSuite fills an absent classname from the suite name.
	// Surefire and Gradle name suites after the test class.
	classNameFromSuite bool
}

func variantFor(f Format) variant {
	switch f {
	case FormatPHPUnit:
		return variant{inheritSuiteFile: true}
	case FormatSurefire, FormatGradle:
		return variant{classNameFromSuite: true}
	default:
		return variant{}
	}
}

// parser is the streaming state for one document. Suites may nest
// (PHPUnit wraps leaf suites in container suites); only suites that
// directly hold cases are emitted.
type parser struct {
	dst     *TestSuites
	variant variant

	suites      []suiteFrame
	kase        *TestCase
	capture     *strings.Builder
	captureInto string
	sawElement  bool
}

type suiteFrame struct {
	suite TestSuite
	file  string
}

// ParseXML stream-parses one report document, appending emitted suites
// to dst. The document is decoded token by token and never held in
// memory as a whole. format selects the dialect variant; a wrong guess
// degrades identity attributes but never fails the parse.
func ParseXML(r io.Reader, format Format, dst *TestSuites) error {
	p := &parser{dst: dst, variant: variantFor(format)}
	d := xml.NewDecoder(r)
	// Reports declare assorted charsets; decode them as-is rather than
	// failing the file.
	d.CharsetReader = func(charset string, input io.Reader) (io.Reader, error) {
		return input, nil
	}
	for {
		tok, err := d.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return errors.Annotate(err, "decoding report XML").Err()
		}
		switch t := tok.(type) {
		case xml.StartElement:
			p.sawElement = true
			p.startElement(t)
		case xml.EndElement:
			p.endElement(t)
		case xml.CharData:
			p.charData(t)
		}
	}
	// The decoder tolerates bare character data, so reject documents that
	// never opened an element.
	if !p.sawElement {
		return errors.Reason("no XML element found").Err()
	}
	if len(p.suites) > 0 {
		return errors.Reason("document ended with an unclosed testsuite").Err()
	}
	return nil
}

func (p *parser) startElement(t xml.StartElement) {
	attrs := attrMap(t.Attr)
	switch strings.ToLower(t.Name.Local) {
	case "testsuite":
		p.suites = append(p.suites, suiteFrame{
			suite: TestSuite{
				Name:       attrs["name"],
				Package:    attrs["package"],
				DurationMs: parseSeconds(attrs["time"]),
				Timestamp:  parseTimestamp(attrs["timestamp"]),
			},
			file: attrs["file"],
		})
	case "testcase":
		if len(p.suites) == 0 {
			return
		}
		top := &p.suites[len(p.suites)-1]
		k := &TestCase{
			Name:       attrs["name"],
			ClassName:  attrs["classname"],
			Suite:      top.suite.Name,
			File:       attrs["file"],
			Status:     StatusPassed,
			DurationMs: parseSeconds(attrs["time"]),
		}
		if s := attrs["status"]; s != "" {
			k.Status = NormalizeStatus(s)
		}
		if k.File == "" && p.variant.inheritSuiteFile {
			k.File = top.file
		}
		if k.ClassName == "" && p.variant.classNameFromSuite {
			k.ClassName = top.suite.Name
		}
		p.kase = k
	case "failure":
		if p.kase != nil {
			p.kase.Status = StatusFailed
			p.kase.FailureMessage = attrs["message"]
			p.beginCapture("failure")
		}
	case "error":
		if p.kase != nil {
			p.kase.Status = StatusError
			p.kase.FailureMessage = attrs["message"]
			p.beginCapture("error")
		}
	case "skipped", "skip":
		if p.kase != nil {
			p.kase.Status = StatusSkipped
		}
	case "system-out":
		if p.kase != nil {
			p.beginCapture("system-out")
		}
	}
}

func (p *parser) endElement(t xml.EndElement) {
	switch name := strings.ToLower(t.Name.Local); name {
	case "failure", "error":
		if text, ok := p.endCapture(name); ok && p.kase != nil {
			p.kase.FailureDetail = text
		}
	case "system-out":
		if text, ok := p.endCapture(name); ok && p.kase != nil {
			p.kase.SystemOut = text
		}
	case "testcase":
		if p.kase != nil && len(p.suites) > 0 {
			top := &p.suites[len(p.suites)-1]
			top.suite.Cases = append(top.suite.Cases, *p.kase)
		}
		p.kase = nil
	case "testsuite":
		n := len(p.suites)
		if n == 0 {
			return
		}
		frame := p.suites[n-1]
		p.suites = p.suites[:n-1]
		if len(frame.suite.Cases) == 0 {
			// Container-only suite, nothing to report.
			return
		}
		frame.suite.recount()
		if frame.suite.DurationMs == 0 {
			for i := range frame.suite.Cases {
				frame.suite.DurationMs += frame.suite.Cases[i].DurationMs
			}
		}
		p.dst.Add(frame.suite)
	}
}

func (p *parser) charData(t xml.CharData) {
	if p.capture == nil {
		return
	}
	remaining := maxCaptureBytes - p.capture.Len()
	if remaining <= 0 {
		return
	}
	if len(t) > remaining {
		t = t[:remaining]
	}
	p.capture.Write(t)
}

func (p *parser) beginCapture(into string) {
	p.capture = &strings.Builder{}
	p.captureInto = into
}

func (p *parser) endCapture(from string) (string, bool) {
	if p.capture == nil || p.captureInto != from {
		return "", false
	}
	text := strings.TrimSpace(p.capture.String())
	p.capture = nil
	p.captureInto = ""
	return text, true
}

func attrMap(attrs []xml.Attr) map[string]string {
	m := make(map[string]string, len(attrs))
	for _, a := range attrs {
		m[strings.ToLower(a.Name.Local)] = a.Value
	}
	return m
}

// parseSeconds converts a seconds attribute to integer milliseconds.
// Unparseable or negative values come back as 0.
func parseSeconds(s string) int64 {
	if s == "" {
		return 0
	}
	// Some producers group thousands with commas.
	s = strings.ReplaceAll(s, ",", "")
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) || f < 0 {
		return 0
	}
	return int64(math.Round(f * 1000))
}

func parseTimestamp(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
