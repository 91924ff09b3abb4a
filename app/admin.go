// Copyright 2025 The FlakeGuard Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package app

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"gopkg.in/yaml.v2"

	"go.chromium.org/luci/common/logging"
	"go.chromium.org/luci/config/validation"
	"go.chromium.org/luci/server/router"

	"github.com/thc1006/flakeguard-sub004/internal/policy"
	"github.com/thc1006/flakeguard-sub004/internal/quarantine"
	"github.com/thc1006/flakeguard-sub004/internal/storage"
)

const (
	// maxPlanRequestBytes bounds one admin API request body.
	maxPlanRequestBytes = 1 << 20

	// maxPlanLookbackDays caps how far back a plan may rescore.
	maxPlanLookbackDays = 90
)

// planRequest is the body of POST /v1/quarantine/plan. The policy
// override uses the .flakeguard.yml schema; JSON bodies parse as a
// YAML subset.
type planRequest struct {
	RepositoryID       int64           `json:"repositoryId"`
	Policy             json.RawMessage `json:"policy"`
	LookbackDays       int             `json:"lookbackDays"`
	IncludeAnnotations bool            `json:"includeAnnotations"`
}

// apiError is the admin API failure envelope.
type apiError struct {
	Success bool     `json:"success"`
	Error   string   `json:"error"`
	Fields  []string `json:"fieldErrors,omitempty"`
}

// QuarantinePlan serves POST /v1/quarantine/plan: a dry run of the
// policy engine over stored history. Nothing is applied or published.
func (h *Handlers) QuarantinePlan(ctx *router.Context) {
	blob, err := io.ReadAll(http.MaxBytesReader(ctx.Writer, ctx.Request.Body, maxPlanRequestBytes))
	if err != nil {
		respondWithJSON(ctx, http.StatusBadRequest, &apiError{Error: "unreadable request body"})
		return
	}
	var req planRequest
	if err := json.Unmarshal(blob, &req); err != nil {
		respondWithJSON(ctx, http.StatusBadRequest, &apiError{Error: "request is not valid JSON"})
		return
	}

	var fields []string
	if req.RepositoryID <= 0 {
		fields = append(fields, "repositoryId: a positive repository identifier is required")
	}
	if req.LookbackDays < 0 || req.LookbackDays > maxPlanLookbackDays {
		fields = append(fields, fmt.Sprintf("lookbackDays: must be within [1, %d]", maxPlanLookbackDays))
	}
	var pol *policy.Policy
	if len(req.Policy) > 0 && string(req.Policy) != "null" {
		parsed, warnings, err := policy.Parse(req.Policy)
		if err != nil {
			fields = append(fields, "policy: "+err.Error())
		} else {
			for _, w := range warnings {
				logging.Warningf(ctx.Context, "Plan for repository %d: %s", req.RepositoryID, w)
			}
			vctx := validation.Context{Context: ctx.Context}
			policy.Validate(&vctx, parsed)
			if err := vctx.Finalize(); err != nil {
				fields = append(fields, policyFieldErrors(err)...)
			} else {
				pol = parsed
			}
		}
	}
	if len(fields) > 0 {
		respondWithJSON(ctx, http.StatusBadRequest, &apiError{Error: "invalid plan request", Fields: fields})
		return
	}

	repo, err := h.d.Store.RepositoryByID(ctx.Context, req.RepositoryID)
	switch {
	case err == storage.ErrNotFound:
		respondWithJSON(ctx, http.StatusNotFound, &apiError{Error: "repository not found"})
		return
	case err != nil:
		logging.Errorf(ctx.Context, "Resolving repository %d: %s", req.RepositoryID, err)
		respondWithJSON(ctx, http.StatusInternalServerError, &apiError{Error: "internal server error"})
		return
	}

	plan, err := h.d.Planner.Plan(ctx.Context, quarantine.PlanRequest{
		RepoID:             repo.ID,
		Owner:              repo.Owner,
		Repo:               repo.Name,
		Policy:             pol,
		LookbackDays:       req.LookbackDays,
		IncludeAnnotations: req.IncludeAnnotations,
	})
	if err != nil {
		logging.Errorf(ctx.Context, "Planning quarantine for %s: %s", repo.FullName, err)
		respondWithJSON(ctx, http.StatusInternalServerError, &apiError{Error: "internal server error"})
		return
	}
	respondWithJSON(ctx, http.StatusOK, plan)
}

// policyFieldErrors flattens a validation failure into one line per
// violated field.
func policyFieldErrors(err error) []string {
	verr, ok := err.(*validation.Error)
	if !ok {
		return []string{"policy: " + err.Error()}
	}
	out := make([]string, 0, len(verr.Errors))
	for _, e := range verr.Errors {
		out = append(out, "policy: "+e.Error())
	}
	return out
}

// QuarantinePolicy serves GET /v1/quarantine/policy: the fully
// defaulted policy document, in the same YAML schema repositories
// commit as .flakeguard.yml.
func (h *Handlers) QuarantinePolicy(ctx *router.Context) {
	doc, err := yaml.Marshal(policy.Default())
	if err != nil {
		logging.Errorf(ctx.Context, "Rendering default policy: %s", err)
		http.Error(ctx.Writer, "Internal server error.", http.StatusInternalServerError)
		return
	}
	ctx.Writer.Header().Set("Content-Type", "text/yaml; charset=utf-8")
	ctx.Writer.WriteHeader(http.StatusOK)
	if _, err := ctx.Writer.Write(doc); err != nil {
		logging.Warningf(ctx.Context, "Writing policy response: %s", err)
	}
}
