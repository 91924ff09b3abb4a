// Copyright 2025 The FlakeGuard Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package app

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"
	"go.chromium.org/luci/common/retry"
	"go.chromium.org/luci/common/retry/transient"
	"go.chromium.org/luci/server/router"

	"github.com/thc1006/flakeguard-sub004/internal/broker"
	"github.com/thc1006/flakeguard-sub004/internal/metrics"
	"github.com/thc1006/flakeguard-sub004/internal/platform"
	"github.com/thc1006/flakeguard-sub004/internal/worker"
)

// Intake limits.
const (
	// maxEventBytes bounds one delivery body.
	maxEventBytes = 25 << 20

	// enqueueAttempts bounds total tries for one job before the
	// delivery is surfaced as 503 for the Platform to redeliver.
	enqueueAttempts   = 3
	enqueueRetryDelay = 100 * time.Millisecond
)

// Delivery headers.
const (
	headerEvent     = "X-GitHub-Event"
	headerDelivery  = "X-GitHub-Delivery"
	headerSignature = "X-Hub-Signature-256"
)

// recognizedEvents bounds the event label on the delivery metric.
var recognizedEvents = map[string]bool{
	"workflow_run": true,
	"workflow_job": true,
	"check_run":    true,
	"check_suite":  true,
	"pull_request": true,
	"installation": true,
}

// webhookResponse is the intake's reply envelope.
type webhookResponse struct {
	Success    bool   `json:"success"`
	Message    string `json:"message,omitempty"`
	DeliveryID string `json:"deliveryId,omitempty"`
	Error      string `json:"error,omitempty"`
}

// queuedJob is one normalized unit of intake output.
type queuedJob struct {
	kind    string
	payload interface{}
	opts    broker.Options
}

// Webhook serves POST /github/webhook: verify the delivery signature,
// drop duplicates, normalize the event onto broker jobs. Verification
// failures are final. Enqueue failures are retried here, then surfaced
// as 503 so the Platform redelivers under the same identifier.
func (h *Handlers) Webhook(ctx *router.Context) {
	event := ctx.Request.Header.Get(headerEvent)
	deliveryID := ctx.Request.Header.Get(headerDelivery)
	signature := ctx.Request.Header.Get(headerSignature)

	eventLabel := "other"
	if recognizedEvents[event] {
		eventLabel = event
	}
	outcome := "rejected"
	defer func() {
		metrics.WebhookDeliveries.WithLabelValues(eventLabel, outcome).Inc()
	}()

	if event == "" || deliveryID == "" || signature == "" {
		respondWithJSON(ctx, http.StatusUnauthorized, &webhookResponse{Error: "Invalid webhook signature"})
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(ctx.Writer, ctx.Request.Body, maxEventBytes))
	if err != nil {
		outcome = "malformed"
		respondWithJSON(ctx, http.StatusBadRequest, &webhookResponse{Error: "Unreadable delivery body"})
		return
	}
	if err := platform.VerifySignature(h.d.WebhookSecret, body, signature); err != nil {
		logging.Warningf(ctx.Context, "Delivery %s: %s", deliveryID, err)
		respondWithJSON(ctx, http.StatusUnauthorized, &webhookResponse{Error: "Invalid webhook signature"})
		return
	}

	if h.recent.Seen(deliveryID) {
		outcome = "duplicate"
		respondWithJSON(ctx, http.StatusAccepted, &webhookResponse{
			Success:    true,
			Message:    "duplicate delivery, already accepted",
			DeliveryID: deliveryID,
		})
		return
	}

	jobs, err := classify(deliveryID, event, body)
	if err != nil {
		outcome = "malformed"
		h.recent.Forget(deliveryID)
		logging.Warningf(ctx.Context, "Delivery %s (%s): %s", deliveryID, event, err)
		respondWithJSON(ctx, http.StatusBadRequest, &webhookResponse{Error: "Malformed event payload"})
		return
	}
	if len(jobs) == 0 {
		outcome = "ignored"
		respondWithJSON(ctx, http.StatusAccepted, &webhookResponse{
			Success:    true,
			Message:    "event not processed",
			DeliveryID: deliveryID,
		})
		return
	}

	for _, j := range jobs {
		if err := h.enqueue(ctx.Context, j); err != nil {
			outcome = "unavailable"
			h.recent.Forget(deliveryID)
			logging.Errorf(ctx.Context, "Enqueueing delivery %s (%s): %s", deliveryID, event, err)
			respondWithJSON(ctx, http.StatusServiceUnavailable, &webhookResponse{Error: "Queue unavailable, delivery not accepted"})
			return
		}
	}
	outcome = "accepted"
	respondWithJSON(ctx, http.StatusAccepted, &webhookResponse{
		Success:    true,
		Message:    "queued",
		DeliveryID: deliveryID,
	})
}

// enqueueRetry shapes the in-request retry of a failed enqueue. Delays
// stay short; the Platform is waiting on the response.
func enqueueRetry() retry.Iterator {
	return &retry.ExponentialBackoff{
		Limited: retry.Limited{
			Delay:   enqueueRetryDelay,
			Retries: enqueueAttempts - 1,
		},
		Multiplier: 2,
	}
}

// enqueue writes one job to the broker. Transient failures are retried
// within the request; anything else is the caller's bug and fails fast.
func (h *Handlers) enqueue(ctx context.Context, j queuedJob) error {
	body, err := json.Marshal(j.payload)
	if err != nil {
		return errors.Annotate(err, "encoding %s payload", j.kind).Err()
	}
	return retry.Retry(ctx, transient.Only(enqueueRetry), func() error {
		_, err := h.d.Broker.Enqueue(ctx, j.kind, body, j.opts)
		return err
	}, retry.LogCallback(ctx, "enqueue "+j.kind))
}

// classify maps one verified delivery onto broker jobs. A nil, nil
// return means the event carries nothing FlakeGuard acts on.
func classify(deliveryID, event string, body []byte) ([]queuedJob, error) {
	switch event {
	case "workflow_run":
		return classifyWorkflowRun(deliveryID, body)
	case "check_run":
		return classifyCheckRun(deliveryID, body)
	case "check_suite":
		return classifyCheckSuite(deliveryID, body)
	case "workflow_job":
		// Job-level completions precede artifact upload; the run-level
		// completion that follows carries everything needed.
		return nil, nil
	case "pull_request":
		return classifyPullRequest(deliveryID, body)
	case "installation":
		return classifyInstallation(deliveryID, body)
	default:
		return nil, nil
	}
}

// eventRepository is the repository block shared by event payloads.
type eventRepository struct {
	ID       int64  `json:"id"`
	FullName string `json:"full_name"`
	Name     string `json:"name"`
	Owner    struct {
		Login string `json:"login"`
	} `json:"owner"`
	DefaultBranch string `json:"default_branch"`
}

func (r *eventRepository) info(installationID int64) *worker.RepositoryInfo {
	return &worker.RepositoryInfo{
		ID:             r.ID,
		FullName:       r.FullName,
		Owner:          r.Owner.Login,
		Name:           r.Name,
		InstallationID: installationID,
		DefaultBranch:  r.DefaultBranch,
	}
}

// eventInstallation is the installation block shared by event payloads.
type eventInstallation struct {
	ID      int64 `json:"id"`
	Account struct {
		Login string `json:"login"`
	} `json:"account"`
}

func classifyWorkflowRun(deliveryID string, body []byte) ([]queuedJob, error) {
	var ev struct {
		Action      string `json:"action"`
		WorkflowRun struct {
			ID         int64  `json:"id"`
			RunAttempt int    `json:"run_attempt"`
			HeadSHA    string `json:"head_sha"`
			HeadBranch string `json:"head_branch"`
			Event      string `json:"event"`
			Status     string `json:"status"`
			Conclusion string `json:"conclusion"`
		} `json:"workflow_run"`
		Repository   eventRepository   `json:"repository"`
		Installation eventInstallation `json:"installation"`
	}
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, errors.Annotate(err, "decoding workflow_run event").Err()
	}
	if ev.Action != "completed" {
		return nil, nil
	}
	return []queuedJob{{
		kind: worker.KindIngest,
		payload: &worker.IngestPayload{
			DeliveryID:         deliveryID,
			RepositoryID:       ev.Repository.ID,
			RepositoryFullName: ev.Repository.FullName,
			InstallationID:     ev.Installation.ID,
			WorkflowRunID:      ev.WorkflowRun.ID,
			RunAttempt:         ev.WorkflowRun.RunAttempt,
			HeadSHA:            ev.WorkflowRun.HeadSHA,
			HeadBranch:         ev.WorkflowRun.HeadBranch,
			Event:              ev.WorkflowRun.Event,
			Status:             ev.WorkflowRun.Status,
			Conclusion:         ev.WorkflowRun.Conclusion,
		},
		opts: broker.Options{
			Priority:       broker.PriorityNormal,
			IdempotencyKey: deliveryID,
			OrderingKey:    worker.OrderingKey(ev.Repository.ID),
		},
	}}, nil
}

func classifyCheckRun(deliveryID string, body []byte) ([]queuedJob, error) {
	var ev struct {
		Action   string `json:"action"`
		CheckRun struct {
			ID      int64  `json:"id"`
			HeadSHA string `json:"head_sha"`
		} `json:"check_run"`
		RequestedAction struct {
			Identifier string `json:"identifier"`
		} `json:"requested_action"`
		Sender struct {
			Login string `json:"login"`
		} `json:"sender"`
		Repository   eventRepository   `json:"repository"`
		Installation eventInstallation `json:"installation"`
	}
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, errors.Annotate(err, "decoding check_run event").Err()
	}
	// Both actions are user-initiated; they jump the ingest backlog.
	opts := broker.Options{
		Priority:       broker.PriorityHigh,
		IdempotencyKey: deliveryID,
		OrderingKey:    worker.OrderingKey(ev.Repository.ID),
	}
	switch ev.Action {
	case "rerequested":
		return []queuedJob{{
			kind: worker.KindIngest,
			payload: &worker.IngestPayload{
				DeliveryID:         deliveryID,
				RepositoryID:       ev.Repository.ID,
				RepositoryFullName: ev.Repository.FullName,
				InstallationID:     ev.Installation.ID,
				HeadSHA:            ev.CheckRun.HeadSHA,
				Reanalyze:          true,
			},
			opts: opts,
		}}, nil
	case "requested_action":
		return []queuedJob{{
			kind: worker.KindCallback,
			payload: &worker.CallbackPayload{
				DeliveryID:         deliveryID,
				RepositoryID:       ev.Repository.ID,
				RepositoryFullName: ev.Repository.FullName,
				InstallationID:     ev.Installation.ID,
				CheckRunID:         ev.CheckRun.ID,
				HeadSHA:            ev.CheckRun.HeadSHA,
				Action:             ev.RequestedAction.Identifier,
				RequestedBy:        ev.Sender.Login,
			},
			opts: opts,
		}}, nil
	default:
		return nil, nil
	}
}

func classifyCheckSuite(deliveryID string, body []byte) ([]queuedJob, error) {
	var ev struct {
		Action     string `json:"action"`
		CheckSuite struct {
			HeadSHA    string `json:"head_sha"`
			HeadBranch string `json:"head_branch"`
		} `json:"check_suite"`
		Repository   eventRepository   `json:"repository"`
		Installation eventInstallation `json:"installation"`
	}
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, errors.Annotate(err, "decoding check_suite event").Err()
	}
	if ev.Action != "rerequested" {
		return nil, nil
	}
	return []queuedJob{{
		kind: worker.KindIngest,
		payload: &worker.IngestPayload{
			DeliveryID:         deliveryID,
			RepositoryID:       ev.Repository.ID,
			RepositoryFullName: ev.Repository.FullName,
			InstallationID:     ev.Installation.ID,
			HeadSHA:            ev.CheckSuite.HeadSHA,
			HeadBranch:         ev.CheckSuite.HeadBranch,
			Reanalyze:          true,
		},
		opts: broker.Options{
			Priority:       broker.PriorityHigh,
			IdempotencyKey: deliveryID,
			OrderingKey:    worker.OrderingKey(ev.Repository.ID),
		},
	}}, nil
}

// interestingPRActions are the pull request transitions that move the
// head commit or its labels.
var interestingPRActions = map[string]bool{
	"opened":      true,
	"reopened":    true,
	"synchronize": true,
	"labeled":     true,
	"unlabeled":   true,
	"closed":      true,
}

func classifyPullRequest(deliveryID string, body []byte) ([]queuedJob, error) {
	var ev struct {
		Action      string `json:"action"`
		PullRequest struct {
			Number int    `json:"number"`
			State  string `json:"state"`
			Head   struct {
				SHA string `json:"sha"`
			} `json:"head"`
			Labels []struct {
				Name string `json:"name"`
			} `json:"labels"`
		} `json:"pull_request"`
		Repository   eventRepository   `json:"repository"`
		Installation eventInstallation `json:"installation"`
	}
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, errors.Annotate(err, "decoding pull_request event").Err()
	}
	if !interestingPRActions[ev.Action] {
		return nil, nil
	}
	labels := make([]string, 0, len(ev.PullRequest.Labels))
	for _, l := range ev.PullRequest.Labels {
		labels = append(labels, l.Name)
	}
	return []queuedJob{{
		kind: worker.KindSync,
		payload: &worker.SyncPayload{
			DeliveryID: deliveryID,
			Kind:       "pull_request",
			Action:     ev.Action,
			Repository: ev.Repository.info(ev.Installation.ID),
			PullRequest: &worker.PullRequestInfo{
				Number:  ev.PullRequest.Number,
				HeadSHA: ev.PullRequest.Head.SHA,
				State:   ev.PullRequest.State,
				Labels:  labels,
			},
		},
		opts: broker.Options{
			Priority:       broker.PriorityNormal,
			IdempotencyKey: deliveryID,
			OrderingKey:    worker.OrderingKey(ev.Repository.ID),
		},
	}}, nil
}

func classifyInstallation(deliveryID string, body []byte) ([]queuedJob, error) {
	var ev struct {
		Action       string            `json:"action"`
		Installation eventInstallation `json:"installation"`
		Repositories []eventRepository `json:"repositories"`
	}
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, errors.Annotate(err, "decoding installation event").Err()
	}
	jobs := []queuedJob{{
		kind: worker.KindSync,
		payload: &worker.SyncPayload{
			DeliveryID: deliveryID,
			Kind:       "installation",
			Action:     ev.Action,
			Installation: &worker.InstallationInfo{
				ID:           ev.Installation.ID,
				AccountLogin: ev.Installation.Account.Login,
			},
		},
		opts: broker.Options{
			Priority:       broker.PriorityNormal,
			IdempotencyKey: deliveryID,
			OrderingKey:    "installation:" + strconv.FormatInt(ev.Installation.ID, 10),
		},
	}}
	if ev.Action != "created" {
		return jobs, nil
	}
	// A new installation lists its repositories; register them so
	// retention and the admin API see them before the first run.
	for _, r := range ev.Repositories {
		jobs = append(jobs, queuedJob{
			kind: worker.KindSync,
			payload: &worker.SyncPayload{
				DeliveryID: deliveryID,
				Kind:       "repository",
				Action:     "added",
				Repository: r.info(ev.Installation.ID),
			},
			opts: broker.Options{
				Priority:       broker.PriorityNormal,
				IdempotencyKey: deliveryID + ":repo:" + strconv.FormatInt(r.ID, 10),
				OrderingKey:    worker.OrderingKey(r.ID),
			},
		})
	}
	return jobs, nil
}
