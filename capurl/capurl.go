// Package capurl implements the .ocap capability URL token format (spec.md
// §6.3): a text file whose body, after stripping an optional shebang line,
// is a single ref string `d-<token>`.
/*
 * Copyright (c) 2024, The ocap kernel authors. All rights reserved.
 */
package capurl

import (
	"bufio"
	"bytes"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/teris-io/shortid"

	"github.com/ocapkernel/kernel/ids"
	"github.com/ocapkernel/kernel/kerr"
)

const prefix = "d-"

// Mint generates a fresh bare token, for a non-system-console
// capability URL (spec.md §4.10 "Non-system .ocap tokens are bare shortid
// strings with no JWT suffix").
func Mint() (string, error) {
	id, err := shortid.Generate()
	if err != nil {
		return "", kerr.Wrap(err, "minting capability token")
	}
	return prefix + id, nil
}

// claims is the JWT payload embedded after the token for system-console
// grants (spec.md §4.10).
type claims struct {
	jwt.RegisteredClaims
	Kref ids.Kref `json:"kref"`
}

// MintSystemToken mints a token for kref plus a signed JWT suffix proving
// system-console access, issued by daemonID with the given validity window.
func MintSystemToken(kref ids.Kref, daemonID string, ttl time.Duration, signingKey []byte) (string, error) {
	base, err := Mint()
	if err != nil {
		return "", err
	}
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    daemonID,
			Subject:   string(kref),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Kref: kref,
	})
	signed, err := token.SignedString(signingKey)
	if err != nil {
		return "", kerr.Wrap(err, "signing system console token")
	}
	return base + "." + signed, nil
}

// Parsed is a decoded .ocap token.
type Parsed struct {
	Token       string
	SystemClaim *claims
}

// Parse decodes a capability URL's text body: an optional shebang first
// line is dropped, the remaining lines are concatenated and trimmed, and a
// trailing `.<jwt>` suffix (if present) is split off and verified.
func Parse(body []byte, verifyKey []byte) (Parsed, error) {
	scanner := bufio.NewScanner(bytes.NewReader(body))
	var lines []string
	first := true
	for scanner.Scan() {
		line := scanner.Text()
		if first && strings.HasPrefix(line, "#!") {
			first = false
			continue
		}
		first = false
		lines = append(lines, line)
	}
	raw := strings.TrimSpace(strings.Join(lines, ""))
	if !strings.HasPrefix(raw, prefix) {
		return Parsed{}, kerr.NewBadRef("malformed capability url: missing %q prefix", prefix)
	}

	parts := strings.SplitN(raw, ".", 2)
	if len(parts) == 1 {
		return Parsed{Token: parts[0]}, nil
	}

	var c claims
	_, err := jwt.ParseWithClaims(parts[1], &c, func(*jwt.Token) (any, error) { return verifyKey, nil })
	if err != nil {
		return Parsed{}, kerr.NewBadRef("invalid system console token: %v", err)
	}
	return Parsed{Token: parts[0], SystemClaim: &c}, nil
}
