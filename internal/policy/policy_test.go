// Copyright 2025 The FlakeGuard Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package policy

import (
	"context"
	"testing"

	"go.chromium.org/luci/config/validation"

	. "github.com/smartystreets/goconvey/convey"
	. "go.chromium.org/luci/common/testing/assertions"
)

func TestParse(t *testing.T) {
	Convey(`Parse`, t, func() {
		Convey(`empty document keeps defaults`, func() {
			p, warnings, err := Parse(nil)
			So(err, ShouldBeNil)
			So(warnings, ShouldBeEmpty)
			So(p, ShouldResemble, Default())
		})

		Convey(`set fields override, unset fields keep defaults`, func() {
			doc := []byte("flaky_threshold: 0.7\nwarn_threshold: 0.4\nexempted_tests:\n  - 'legacy.*'\n")
			p, warnings, err := Parse(doc)
			So(err, ShouldBeNil)
			So(warnings, ShouldBeEmpty)
			So(p.FlakyThreshold, ShouldEqual, 0.7)
			So(p.WarnThreshold, ShouldEqual, 0.4)
			So(p.ExemptedTests, ShouldResemble, []string{"legacy.*"})
			So(p.MinOccurrences, ShouldEqual, 5)
			So(p.LookbackDays, ShouldEqual, 14)
			So(p.ConfidenceThreshold, ShouldEqual, 0.7)
			So(p.ExcludePaths, ShouldResemble, Default().ExcludePaths)
		})

		Convey(`partial scoring weights merge over defaults`, func() {
			doc := []byte("scoring_weights:\n  intermittency: 0.5\n")
			p, _, err := Parse(doc)
			So(err, ShouldBeNil)
			So(p.ScoringWeights.Intermittency, ShouldEqual, 0.5)
			So(p.ScoringWeights.FailSuccessRatio, ShouldEqual, 0.3)
		})

		Convey(`team overrides parse with nil for absent fields`, func() {
			doc := []byte("team_overrides:\n  platform:\n    flaky_threshold: 0.5\n")
			p, _, err := Parse(doc)
			So(err, ShouldBeNil)
			o := p.TeamOverrides["platform"]
			So(o.FlakyThreshold, ShouldNotBeNil)
			So(*o.FlakyThreshold, ShouldEqual, 0.5)
			So(o.WarnThreshold, ShouldBeNil)
		})

		Convey(`unknown keys warn but do not fail`, func() {
			doc := []byte("flaky_threshold: 0.8\nsurprise_option: true\n")
			p, warnings, err := Parse(doc)
			So(err, ShouldBeNil)
			So(p.FlakyThreshold, ShouldEqual, 0.8)
			So(len(warnings), ShouldEqual, 1)
			So(warnings[0], ShouldContainSubstring, "unrecognized keys")
		})

		Convey(`malformed yaml fails`, func() {
			_, _, err := Parse([]byte("flaky_threshold: [not a number"))
			So(err, ShouldNotBeNil)
		})

		Convey(`wrongly typed value fails`, func() {
			_, _, err := Parse([]byte("flaky_threshold: banana"))
			So(err, ShouldNotBeNil)
		})
	})
}

func TestMerged(t *testing.T) {
	Convey(`Merged`, t, func() {
		thr := 0.5
		auto := true
		p := Default()
		p.TeamOverrides = map[string]Override{
			"platform": {FlakyThreshold: &thr, AutoQuarantineEnabled: &auto},
		}

		Convey(`known team merges only its set fields`, func() {
			m := p.Merged("platform")
			So(m.FlakyThreshold, ShouldEqual, 0.5)
			So(m.AutoQuarantineEnabled, ShouldBeTrue)
			So(m.WarnThreshold, ShouldEqual, p.WarnThreshold)
			So(m.MinOccurrences, ShouldEqual, p.MinOccurrences)
		})

		Convey(`unknown team changes nothing`, func() {
			m := p.Merged("frontend")
			So(m.FlakyThreshold, ShouldEqual, p.FlakyThreshold)
			So(m.AutoQuarantineEnabled, ShouldBeFalse)
		})

		Convey(`empty team changes nothing`, func() {
			m := p.Merged("")
			So(m.FlakyThreshold, ShouldEqual, p.FlakyThreshold)
		})

		Convey(`the receiver is never mutated`, func() {
			_ = p.Merged("platform")
			So(p.FlakyThreshold, ShouldEqual, 0.6)
			So(p.AutoQuarantineEnabled, ShouldBeFalse)
		})
	})
}

func TestValidate(t *testing.T) {
	validate := func(p *Policy) error {
		c := validation.Context{Context: context.Background()}
		Validate(&c, p)
		return c.Finalize()
	}

	Convey(`Validate`, t, func() {
		Convey(`default policy is valid`, func() {
			So(validate(Default()), ShouldBeNil)
		})

		Convey(`thresholds out of range`, func() {
			p := Default()
			p.FlakyThreshold = 1.2
			So(validate(p), ShouldErrLike, "flaky_threshold")
		})

		Convey(`warn must stay below flaky`, func() {
			p := Default()
			p.WarnThreshold = 0.6
			So(validate(p), ShouldErrLike, "warn_threshold")

			p = Default()
			p.WarnThreshold = 0.7
			p.FlakyThreshold = 0.6
			So(validate(p), ShouldErrLike, "less than flaky_threshold")
		})

		Convey(`minimums`, func() {
			p := Default()
			p.MinOccurrences = 0
			So(validate(p), ShouldErrLike, "min_occurrences")

			p = Default()
			p.MinRecentFailures = -1
			So(validate(p), ShouldErrLike, "min_recent_failures")

			p = Default()
			p.RollingWindowSize = 5
			So(validate(p), ShouldErrLike, "rolling_window_size")
		})

		Convey(`lookback bounds`, func() {
			p := Default()
			p.LookbackDays = 0
			So(validate(p), ShouldErrLike, "lookback_days")

			p = Default()
			p.LookbackDays = 500
			So(validate(p), ShouldErrLike, "lookback_days")
		})

		Convey(`confidence bounds`, func() {
			p := Default()
			p.ConfidenceThreshold = -0.1
			So(validate(p), ShouldErrLike, "confidence_threshold")
		})

		Convey(`weights out of range`, func() {
			p := Default()
			p.ScoringWeights.Clustering = 1.5
			So(validate(p), ShouldErrLike, "clustering")
		})

		Convey(`bad globs`, func() {
			p := Default()
			p.ExemptedTests = []string{"[unclosed"}
			So(validate(p), ShouldErrLike, "invalid glob")

			p = Default()
			p.ExcludePaths = append(p.ExcludePaths, "")
			So(validate(p), ShouldErrLike, "must not be empty")
		})

		Convey(`quarantine duration`, func() {
			p := Default()
			p.QuarantineDurationDays = 0
			So(validate(p), ShouldErrLike, "quarantine_duration_days")
		})

		Convey(`override field ranges`, func() {
			bad := 2.0
			p := Default()
			p.TeamOverrides = map[string]Override{"t": {FlakyThreshold: &bad}}
			So(validate(p), ShouldErrLike, "flaky_threshold")
		})
	})
}
