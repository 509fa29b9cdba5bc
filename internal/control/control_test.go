package control

import (
	"encoding/json"
	"regexp"
	"testing"
)

func TestTokenFormats(t *testing.T) {
	idRe := regexp.MustCompile(`^[0-9a-f]{32}$`)
	corrRe := regexp.MustCompile(`^[0-9a-f]{16}$`)

	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := NewAgentID()
		if !idRe.MatchString(id) {
			t.Fatalf("NewAgentID() = %q, want 32 hex chars", id)
		}
		if seen[id] {
			t.Fatalf("NewAgentID() repeated %q", id)
		}
		seen[id] = true

		if corr := NewCorrelationID(); !corrRe.MatchString(corr) {
			t.Fatalf("NewCorrelationID() = %q, want 16 hex chars", corr)
		}
	}
}

func TestHasAnyCapability(t *testing.T) {
	rec := &AgentRecord{Capabilities: []string{"chat", "monitor"}}

	cases := []struct {
		name string
		caps []string
		want bool
	}{
		{"empty filter matches", nil, true},
		{"single match", []string{"chat"}, true},
		{"any-of semantics", []string{"nope", "monitor"}, true},
		{"no match", []string{"nope"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := rec.HasAnyCapability(tc.caps); got != tc.want {
				t.Errorf("HasAnyCapability(%v) = %v, want %v", tc.caps, got, tc.want)
			}
		})
	}
}

func TestCloneIsDeep(t *testing.T) {
	rec := &AgentRecord{
		ID:           NewAgentID(),
		Capabilities: []string{"chat"},
		Metadata:     map[string]any{"region": "eu"},
	}
	cp := rec.Clone()
	cp.Capabilities[0] = "mutated"
	cp.Metadata["region"] = "us"

	if rec.Capabilities[0] != "chat" {
		t.Error("Clone aliased capabilities")
	}
	if rec.Metadata["region"] != "eu" {
		t.Error("Clone aliased metadata")
	}
}

func TestStatusValid(t *testing.T) {
	for _, s := range []Status{StatusOnline, StatusIdle, StatusOffline} {
		if !s.Valid() {
			t.Errorf("%q reported invalid", s)
		}
	}
	if Status("gone").Valid() {
		t.Error("unknown status reported valid")
	}
}

func TestResponseCorrelationEcho(t *testing.T) {
	resp := Response{Status: "ok", CorrelationID: "00112233aabbccdd"}
	data, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded Response
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.CorrelationID != resp.CorrelationID {
		t.Errorf("correlationId = %q, want %q", decoded.CorrelationID, resp.CorrelationID)
	}
	if !decoded.OK() {
		t.Error("OK() = false for ok status")
	}
}
