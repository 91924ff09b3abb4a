// Copyright 2025 The FlakeGuard Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package testutil

import (
	"crypto/rand"
	"crypto/rsa"
	"fmt"
	"net/http"
	"time"
)

// SigningKey is a throwaway RSA key shared by tests that mint app tokens.
var SigningKey = func() *rsa.PrivateKey {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		panic(err)
	}
	return key
}()

// InstallationTokenHandler answers the installation token exchange with a
// static token valid for an hour. Register it under /app/installations/ on
// the stub API mux.
func InstallationTokenHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		fmt.Fprintf(w, `{"token":"test-token","expires_at":%q}`, time.Now().Add(time.Hour).UTC().Format(time.RFC3339))
	}
}
