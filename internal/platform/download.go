// Copyright 2025 The FlakeGuard Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package platform

import (
	"bufio"
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"

	"go.chromium.org/luci/common/clock"

	"github.com/thc1006/flakeguard-sub004/internal/metrics"
)

// downloadChunkSize is the read granularity handed to the consumer.
const downloadChunkSize = 64 << 10

// DownloadArtifact streams one artifact archive into fn. The reader
// passed to fn is only valid until fn returns and never buffers the
// whole archive. The archive endpoint answers with a redirect to
// short-lived signed storage; a 403 or 410 behind that redirect means
// the artifact has expired. Downloads larger than the configured limit
// abort mid-stream. The surrounding job deadline bounds the transfer,
// so no per-attempt timeout applies and a broken stream surfaces as a
// retryable error to the job layer rather than retrying here.
func (c *Client) DownloadArtifact(ctx context.Context, installationID int64, owner, repo string, artifactID int64, prio Priority, fn func(io.Reader) error) error {
	const endpoint = "download_artifact"
	if err := c.gate.acquire(ctx, prio); err != nil {
		metrics.PlatformRequests.WithLabelValues(endpoint, string(CodeOf(err))).Inc()
		return err
	}
	defer c.gate.release()

	if prio != PriorityCritical {
		if err := c.pace.Wait(ctx); err != nil {
			return NewError(CodeTimeout, "canceled while pacing", err)
		}
	}
	if d := c.limiter.delayBefore(ctx, prio == PriorityCritical); d > 0 {
		if tr := clock.Sleep(clock.Tag(ctx, sleepTag), d); tr.Err != nil {
			return NewError(CodeTimeout, "canceled while rate limited", tr.Err)
		}
	}

	err := c.streamArtifact(ctx, installationID, owner, repo, artifactID, fn)
	if err != nil {
		metrics.PlatformRequests.WithLabelValues(endpoint, string(CodeOf(err))).Inc()
		return err
	}
	metrics.PlatformRequests.WithLabelValues(endpoint, "ok").Inc()
	return nil
}

func (c *Client) streamArtifact(ctx context.Context, installationID int64, owner, repo string, artifactID int64, fn func(io.Reader) error) error {
	const endpoint = "download_artifact"
	path := fmt.Sprintf("/repos/%s/%s/actions/artifacts/%d/zip", owner, repo, artifactID)

	hreq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return NewError(CodeUnknown, "building download request", err)
	}
	if err := c.authorize(ctx, hreq, installationID); err != nil {
		return err
	}
	hreq.Header.Set("Accept", "application/vnd.github+json")
	hreq.Header.Set("User-Agent", userAgent)

	// The transport strips the Authorization header when the redirect
	// leaves the API host, which is what the signed storage URL needs.
	redirected := false
	httpc := &http.Client{
		Transport: c.httpc.Transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 10 {
				return stderrors.New("stopped after 10 redirects")
			}
			redirected = true
			return nil
		},
	}

	start := clock.Now(ctx)
	resp, err := httpc.Do(hreq)
	took := clock.Now(ctx).Sub(start)
	if err != nil {
		ferr := transportError(ctx, endpoint, err)
		c.audit.record(ctx, http.MethodGet, path, 0, took, 1, ferr)
		return ferr
	}
	defer resp.Body.Close()

	metrics.PlatformRequestDuration.WithLabelValues(endpoint).Observe(took.Seconds())
	c.limiter.observe(resp.Header)

	switch {
	case resp.StatusCode == http.StatusOK:
		// Handled below.
	case resp.StatusCode == http.StatusGone,
		redirected && resp.StatusCode == http.StatusForbidden:
		ferr := NewError(CodeArtifactExpired,
			fmt.Sprintf("artifact %d is no longer downloadable", artifactID),
			fmt.Errorf("HTTP %d", resp.StatusCode))
		c.audit.record(ctx, http.MethodGet, path, resp.StatusCode, took, 1, ferr)
		return ferr
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		ferr := c.classifyResponse(&Request{Endpoint: endpoint, InstallationID: installationID}, resp, body)
		c.audit.record(ctx, http.MethodGet, path, resp.StatusCode, took, 1, ferr)
		return ferr
	}
	c.audit.record(ctx, http.MethodGet, path, resp.StatusCode, took, 1, nil)

	// One extra byte past the cap distinguishes an archive of exactly
	// the limit from one that overflows it.
	cr := &cappedReader{r: resp.Body, left: c.maxArtifactBytes + 1, limit: c.maxArtifactBytes}
	consumeErr := fn(bufio.NewReaderSize(cr, downloadChunkSize))
	if cr.left <= 0 {
		return NewError(CodeUnprocessable,
			fmt.Sprintf("artifact %d exceeds the %d byte download limit", artifactID, c.maxArtifactBytes), nil)
	}
	if consumeErr != nil {
		return NewError(CodeUnknown, "consuming artifact stream", consumeErr)
	}
	return nil
}

// cappedReader stops a stream after a byte budget. Reads past the
// budget fail with a descriptive error so archive walkers abort
// instead of truncating silently.
type cappedReader struct {
	r     io.Reader
	left  int64
	limit int64
}

func (cr *cappedReader) Read(p []byte) (int, error) {
	if cr.left <= 0 {
		return 0, fmt.Errorf("stream exceeds the %d byte limit", cr.limit)
	}
	if int64(len(p)) > cr.left {
		p = p[:cr.left]
	}
	n, err := cr.r.Read(p)
	cr.left -= int64(n)
	return n, err
}
