// Copyright 2025 The FlakeGuard Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package platform

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

func TestDownloadArtifact(t *testing.T) {
	t.Parallel()

	Convey(`DownloadArtifact`, t, func() {
		ctx, _ := testContext()

		Convey(`streams the archive through the redirect`, func() {
			payload := bytes.Repeat([]byte("x"), 200_000)
			mux := http.NewServeMux()
			mux.HandleFunc("/repos/acme/shop/actions/artifacts/9/zip", func(w http.ResponseWriter, r *http.Request) {
				http.Redirect(w, r, "/blob/9", http.StatusFound)
			})
			mux.HandleFunc("/blob/9", func(w http.ResponseWriter, r *http.Request) {
				w.Write(payload)
			})
			srv := httptest.NewServer(mux)
			defer srv.Close()
			c := newTestClient(ctx, srv.URL)

			var got bytes.Buffer
			err := c.DownloadArtifact(ctx, 0, "acme", "shop", 9, PriorityNormal, func(r io.Reader) error {
				_, err := io.Copy(&got, r)
				return err
			})
			So(err, ShouldBeNil)
			So(got.Len(), ShouldEqual, len(payload))
		})

		Convey(`a denial behind the redirect means the artifact expired`, func() {
			mux := http.NewServeMux()
			mux.HandleFunc("/repos/acme/shop/actions/artifacts/9/zip", func(w http.ResponseWriter, r *http.Request) {
				http.Redirect(w, r, "/blob/9", http.StatusFound)
			})
			mux.HandleFunc("/blob/9", func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusForbidden)
			})
			srv := httptest.NewServer(mux)
			defer srv.Close()
			c := newTestClient(ctx, srv.URL)

			consumed := false
			err := c.DownloadArtifact(ctx, 0, "acme", "shop", 9, PriorityNormal, func(io.Reader) error {
				consumed = true
				return nil
			})
			So(CodeOf(err), ShouldEqual, CodeArtifactExpired)
			So(Retryable(err), ShouldBeFalse)
			So(consumed, ShouldBeFalse)
		})

		Convey(`a gone artifact is expired even without a redirect`, func() {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusGone)
			}))
			defer srv.Close()
			c := newTestClient(ctx, srv.URL)

			err := c.DownloadArtifact(ctx, 0, "acme", "shop", 9, PriorityNormal, func(io.Reader) error { return nil })
			So(CodeOf(err), ShouldEqual, CodeArtifactExpired)
		})

		Convey(`oversized archives abort mid-stream`, func() {
			mux := http.NewServeMux()
			mux.HandleFunc("/repos/acme/shop/actions/artifacts/9/zip", func(w http.ResponseWriter, r *http.Request) {
				http.Redirect(w, r, "/blob/9", http.StatusFound)
			})
			mux.HandleFunc("/blob/9", func(w http.ResponseWriter, r *http.Request) {
				w.Write(bytes.Repeat([]byte("x"), 4096))
			})
			srv := httptest.NewServer(mux)
			defer srv.Close()
			c := NewClient(ctx, ClientOptions{
				BaseURL:          srv.URL,
				AppID:            99,
				PrivateKey:       testKey,
				MaxArtifactBytes: 1024,
			})

			err := c.DownloadArtifact(ctx, 0, "acme", "shop", 9, PriorityNormal, func(r io.Reader) error {
				_, err := io.Copy(io.Discard, r)
				return err
			})
			So(CodeOf(err), ShouldEqual, CodeUnprocessable)
			So(Retryable(err), ShouldBeFalse)
		})

		Convey(`server failures stay retryable for the job layer`, func() {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, `{"message":"storage offline"}`, http.StatusServiceUnavailable)
			}))
			defer srv.Close()
			c := newTestClient(ctx, srv.URL)

			err := c.DownloadArtifact(ctx, 0, "acme", "shop", 9, PriorityNormal, func(io.Reader) error { return nil })
			So(CodeOf(err), ShouldEqual, CodeServiceUnavailable)
			So(Retryable(err), ShouldBeTrue)
		})
	})
}
