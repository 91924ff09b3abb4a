// Copyright 2025 The FlakeGuard Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package platform

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

const signaturePrefix = "sha256="

// SignBody computes the signature header value the Platform would send
// for body under secret. Exposed for the intake tests.
func SignBody(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks an inbound delivery's signature header against
// the HMAC-SHA256 of body under secret. The comparison is constant time.
// A nil return means the body is authentic.
func VerifySignature(secret string, body []byte, header string) error {
	if secret == "" {
		return NewError(CodeWebhookVerificationFailed, "no webhook secret configured", nil)
	}
	if !strings.HasPrefix(header, signaturePrefix) {
		return NewError(CodeWebhookVerificationFailed, "signature header missing sha256= prefix", nil)
	}
	got, err := hex.DecodeString(strings.TrimPrefix(header, signaturePrefix))
	if err != nil {
		return NewError(CodeWebhookVerificationFailed, "signature is not valid hex", err)
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	if !hmac.Equal(mac.Sum(nil), got) {
		return NewError(CodeWebhookVerificationFailed, "signature mismatch", nil)
	}
	return nil
}
