package a2a

import (
	"errors"
	"testing"
)

func TestClassify(t *testing.T) {
	t.Run("connection_refused_is_transient", func(t *testing.T) {
		c := Classify(errors.New("connect ECONNREFUSED 127.0.0.1:1"))
		if c.Category != CategoryTransient {
			t.Errorf("expected transient, got %s", c.Category)
		}
		if c.Code != CodeGatewayConnection {
			t.Errorf("expected %s, got %s", CodeGatewayConnection, c.Code)
		}
		if !c.Retriable {
			t.Errorf("connection errors should be retriable")
		}
	})

	t.Run("socket_hang_up_is_transient", func(t *testing.T) {
		c := Classify(errors.New("socket hang up"))
		if c.Code != CodeGatewayConnection || !c.Retriable {
			t.Errorf("got %+v", c)
		}
	})

	t.Run("dns_failure_is_transient", func(t *testing.T) {
		c := Classify(errors.New("dial tcp: lookup peer.local: no such host"))
		if c.Code != CodeGatewayConnection {
			t.Errorf("expected %s, got %s", CodeGatewayConnection, c.Code)
		}
	})

	t.Run("unauthorized_is_permanent", func(t *testing.T) {
		c := Classify(errors.New("401 Unauthorized"))
		if c.Category != CategoryPermanent {
			t.Errorf("expected permanent, got %s", c.Category)
		}
		if c.Code != CodeAuthFailure {
			t.Errorf("expected %s, got %s", CodeAuthFailure, c.Code)
		}
		if c.Retriable {
			t.Errorf("auth failures must not be retriable")
		}
	})

	t.Run("unrecognized_is_unknown_but_retriable", func(t *testing.T) {
		c := Classify(errors.New("something odd happened"))
		if c.Category != CategoryUnknown {
			t.Errorf("expected unknown, got %s", c.Category)
		}
		if c.Code != CodeGatewayUnknown {
			t.Errorf("expected %s, got %s", CodeGatewayUnknown, c.Code)
		}
		if !c.Retriable {
			t.Errorf("unknown failures default to retriable")
		}
	})

	t.Run("nil_is_not_an_error", func(t *testing.T) {
		c := Classify(nil)
		if c.Category != CategoryNone || c.Retriable {
			t.Errorf("got %+v", c)
		}
	})
}

func TestClassifyResponse(t *testing.T) {
	cases := []struct {
		name      string
		status    string
		errMsg    string
		category  Category
		code      string
		retriable bool
	}{
		{"ok_is_informational", "ok", "", CategoryNone, CodeNone, false},
		{"not_found_is_permanent", "not_found", "", CategoryPermanent, CodeRunNotFound, false},
		{"timeout_means_peer_still_working", "timeout", "", CategoryTransient, CodeWaitChunkTimeout, true},
		{"rate_limit_429", "error", "429 too many requests", CategoryTransient, CodeRateLimit, true},
		{"rate_limit_text", "error", "rate limit exceeded, slow down", CategoryTransient, CodeRateLimit, true},
		{"context_exceeded", "error", "prompt exceeds maximum context length", CategoryPermanent, CodeContextExceeded, false},
		{"token_limit", "error", "token limit reached for this model", CategoryPermanent, CodeContextExceeded, false},
		{"server_overload", "error", "503 service unavailable", CategoryTransient, CodeServerOverload, true},
		{"request_rejected_invalid", "error", "invalid request payload", CategoryPermanent, CodeRequestRejected, false},
		{"request_rejected_denied", "error", "access denied by peer policy", CategoryPermanent, CodeRequestRejected, false},
		{"error_unknown", "error", "flux capacitor misaligned", CategoryUnknown, CodeErrorUnknown, true},
		{"unexpected_status", "warming_up", "", CategoryUnknown, CodeUnexpectedStatus, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := ClassifyResponse(tc.status, tc.errMsg)
			if c.Category != tc.category {
				t.Errorf("category: expected %s, got %s", tc.category, c.Category)
			}
			if c.Code != tc.code {
				t.Errorf("code: expected %s, got %s", tc.code, c.Code)
			}
			if c.Retriable != tc.retriable {
				t.Errorf("retriable: expected %v, got %v", tc.retriable, c.Retriable)
			}
		})
	}
}
