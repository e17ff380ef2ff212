package main

import "testing"

func TestRunExitsOneOnCertKeyMismatch(t *testing.T) {
	if got := run([]string{"--cert", "/tmp/does-not-matter.pem"}); got != 1 {
		t.Fatalf("expected exit code 1 for a lone --cert flag, got %d", got)
	}
}

func TestRunExitsTwoOnUnknownFlag(t *testing.T) {
	if got := run([]string{"--not-a-real-flag"}); got != 2 {
		t.Fatalf("expected exit code 2 for a flag usage error, got %d", got)
	}
}
