// Copyright 2025 The FlakeGuard Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package platform

import (
	"context"
	"crypto/rsa"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/errors"
)

// appTokenTTL keeps minted app JWTs under the Platform's ten-minute
// ceiling. issuedAtSkew backdates iat to survive clock drift between
// this process and the Platform.
const (
	appTokenTTL  = 9 * time.Minute
	issuedAtSkew = 60 * time.Second
)

// appJWT mints a short-lived RS256 token identifying the application
// itself. Installation tokens are exchanged from it.
func appJWT(ctx context.Context, appID int64, key *rsa.PrivateKey) (string, error) {
	now := clock.Now(ctx)
	claims := jwt.RegisteredClaims{
		Issuer:    strconv.FormatInt(appID, 10),
		IssuedAt:  jwt.NewNumericDate(now.Add(-issuedAtSkew)),
		ExpiresAt: jwt.NewNumericDate(now.Add(appTokenTTL)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
	if err != nil {
		return "", errors.Annotate(err, "signing app token").Err()
	}
	return signed, nil
}
