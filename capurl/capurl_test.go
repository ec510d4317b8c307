package capurl

import (
	"testing"
	"time"
)

func TestMintAndParseBareToken(t *testing.T) {
	tok, err := Mint()
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	parsed, err := Parse([]byte("#!/usr/bin/env ocap\n"+tok+"\n"), nil)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if parsed.Token != tok {
		t.Fatalf("expected %q, got %q", tok, parsed.Token)
	}
	if parsed.SystemClaim != nil {
		t.Fatalf("expected no system claim on a bare token")
	}
}

func TestMintAndParseSystemToken(t *testing.T) {
	key := []byte("test-signing-key")
	tok, err := MintSystemToken("ko1", "daemon-1", time.Minute, key)
	if err != nil {
		t.Fatalf("MintSystemToken: %v", err)
	}
	parsed, err := Parse([]byte(tok), key)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if parsed.SystemClaim == nil || parsed.SystemClaim.Subject != "ko1" {
		t.Fatalf("expected system claim naming ko1, got %+v", parsed.SystemClaim)
	}
}
