// Copyright 2025 The FlakeGuard Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package checks

import (
	"fmt"
	"sort"
	"strings"

	"github.com/thc1006/flakeguard-sub004/internal/platform"
	"github.com/thc1006/flakeguard-sub004/internal/policy"
)

// renderParams builds the full check-run payload for a decision set,
// ordered by confidence so truncation keeps the strongest findings.
func renderParams(tgt Target, findings []Finding) *platform.CheckRunParams {
	ordered := make([]Finding, len(findings))
	copy(ordered, findings)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Confidence != ordered[j].Confidence {
			return ordered[i].Confidence > ordered[j].Confidence
		}
		return ordered[i].Decision.FullName < ordered[j].Decision.FullName
	})

	return &platform.CheckRunParams{
		Name:       CheckName,
		HeadSHA:    tgt.HeadSHA,
		ExternalID: fmt.Sprintf("%d:%s", tgt.RepoID, tgt.HeadSHA),
		Status:     "completed",
		Conclusion: conclusionFor(ordered),
		Output: &platform.CheckOutput{
			Title:   titleFor(ordered),
			Summary: summaryFor(ordered),
			Text:    renderTable(ordered),
		},
		Actions: buildActions(ordered),
	}
}

// maxTableRows bounds the rendered candidate table.
const maxTableRows = 10

// nameEscaper neutralizes markdown metacharacters in test names before
// they land in a table cell.
var nameEscaper = strings.NewReplacer(
	"|", `\|`,
	"`", "'",
	"\n", " ",
	"\r", " ",
)

// conclusionFor maps the decision set onto a check conclusion: any
// quarantine makes the check action_required, any warning makes it
// neutral, a clean set passes.
func conclusionFor(findings []Finding) string {
	warn := false
	for _, f := range findings {
		switch f.Decision.Action {
		case policy.ActionQuarantine:
			return "action_required"
		case policy.ActionWarn:
			warn = true
		}
	}
	if warn {
		return "neutral"
	}
	return "success"
}

func titleFor(findings []Finding) string {
	if len(findings) == 0 {
		return "No flaky tests detected"
	}
	return fmt.Sprintf("%d flaky test%s detected", len(findings), plural(len(findings)))
}

func summaryFor(findings []Finding) string {
	if len(findings) == 0 {
		return "All analyzed tests look stable."
	}
	var quarDecided, warned, alreadyQuarantined int
	for _, f := range findings {
		switch f.Decision.Action {
		case policy.ActionQuarantine:
			quarDecided++
		case policy.ActionWarn:
			warned++
		}
		if f.Quarantined {
			alreadyQuarantined++
		}
	}
	s := fmt.Sprintf("%d candidate%s: %d to quarantine, %d to warn.",
		len(findings), plural(len(findings)), quarDecided, warned)
	if alreadyQuarantined > 0 {
		s += fmt.Sprintf(" %d already quarantined.", alreadyQuarantined)
	}
	return s
}

// renderTable renders up to maxTableRows findings, ordered by
// confidence, as a markdown table.
func renderTable(findings []Finding) string {
	if len(findings) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("| Test | Failures | Rerun pass rate | Last failed run | Confidence |\n")
	b.WriteString("| --- | --- | --- | --- | --- |\n")

	shown := findings
	if len(shown) > maxTableRows {
		shown = shown[:maxTableRows]
	}
	for _, f := range shown {
		name := "`" + nameEscaper.Replace(f.Decision.FullName) + "`"
		if f.Quarantined {
			name += " (quarantined)"
		}
		rerun := "n/a"
		if f.RerunsObserved {
			rerun = fmt.Sprintf("%.0f%%", f.RerunPassRate*100)
		}
		lastRun := "n/a"
		if f.LastFailedRunID != 0 {
			lastRun = fmt.Sprintf("%d", f.LastFailedRunID)
		}
		fmt.Fprintf(&b, "| %s | %d | %s | %s | %.0f%% |\n",
			name, f.RecentFailures, rerun, lastRun, f.Confidence*100)
	}
	if len(findings) > maxTableRows {
		fmt.Fprintf(&b, "\nShowing top %d of %d.\n", maxTableRows, len(findings))
	}
	return b.String()
}

// buildActions attaches at most three buttons: rerun when failures are
// present, quarantine when an unapplied quarantine decision exists,
// and an issue for any candidate.
func buildActions(findings []Finding) []platform.CheckAction {
	var failing, toQuarantine int
	for _, f := range findings {
		if f.RecentFailures > 0 {
			failing++
		}
		if f.Decision.Action == policy.ActionQuarantine && !f.Quarantined {
			toQuarantine++
		}
	}

	var acts []platform.CheckAction
	if failing > 0 {
		acts = append(acts, platform.CheckAction{
			Label:       "Rerun failed jobs",
			Description: fmt.Sprintf("Re-run jobs with %d failing test%s", failing, plural(failing)),
			Identifier:  ActionRerunFailed,
		})
	}
	if toQuarantine > 0 {
		acts = append(acts, platform.CheckAction{
			Label:       fmt.Sprintf("Quarantine %d test%s", toQuarantine, plural(toQuarantine)),
			Description: "Exclude the flaky tests from gating",
			Identifier:  ActionQuarantine,
		})
	}
	if len(findings) > 0 {
		acts = append(acts, platform.CheckAction{
			Label:       "Open issue",
			Description: fmt.Sprintf("File a tracking issue for %d test%s", len(findings), plural(len(findings))),
			Identifier:  ActionOpenIssue,
		})
	}
	return acts
}

func plural(n int) string {
	if n == 1 {
		return ""
	}
	return "s"
}
