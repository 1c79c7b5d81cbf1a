package wizard

import (
	"reflect"
	"testing"

	"github.com/modelrelay/modelrelay/pkg/config"
)

func TestRebuildTokensKeepsExistingMetadata(t *testing.T) {
	existing := []config.IncomingAPIToken{
		{ID: "tok-1", Name: "root", Role: config.TokenRoleAdmin, Key: "sk-admin", CreatedAt: "2026-01-01T00:00:00Z"},
		{ID: "tok-2", Name: "laptop", Role: config.TokenRoleInferrer, Key: "sk-laptop", ExpiresAt: "2099-01-01T00:00:00Z"},
	}
	out := rebuildTokens(existing, "sk-admin", []string{"sk-laptop", "sk-new"})
	if len(out) != 3 {
		t.Fatalf("got %d tokens, want 3", len(out))
	}
	if out[0].ID != "tok-1" || out[0].Name != "root" || out[0].Role != config.TokenRoleAdmin {
		t.Fatalf("admin token metadata lost: %+v", out[0])
	}
	if out[1].ID != "tok-2" || out[1].ExpiresAt != "2099-01-01T00:00:00Z" {
		t.Fatalf("inferrer token metadata lost: %+v", out[1])
	}
	if out[2].Key != "sk-new" || out[2].Role != config.TokenRoleInferrer || out[2].ID != "" {
		t.Fatalf("new token wrong: %+v", out[2])
	}
}

func TestRebuildTokensAdminWinsOverDuplicate(t *testing.T) {
	out := rebuildTokens(nil, "sk-shared", []string{"sk-shared", "sk-other"})
	if len(out) != 2 {
		t.Fatalf("got %d tokens, want 2", len(out))
	}
	if out[0].Key != "sk-shared" || out[0].Role != config.TokenRoleAdmin {
		t.Fatalf("first token = %+v, want admin sk-shared", out[0])
	}
	if out[1].Key != "sk-other" {
		t.Fatalf("second token = %+v, want sk-other", out[1])
	}
}

func TestRebuildTokensNoAdmin(t *testing.T) {
	out := rebuildTokens(nil, "  ", []string{"sk-a"})
	if len(out) != 1 || out[0].Role != config.TokenRoleInferrer {
		t.Fatalf("out = %+v, want single inferrer", out)
	}
}

func TestSplitCSV(t *testing.T) {
	got := splitCSV(" a, b ,a,,c ")
	want := []string{"a", "b", "c"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("splitCSV = %v, want %v", got, want)
	}
}

func TestYes(t *testing.T) {
	for _, v := range []string{"y", "Y", "yes", " TRUE "} {
		if !yes(v) {
			t.Fatalf("yes(%q) = false", v)
		}
	}
	for _, v := range []string{"", "n", "no", "false", "maybe"} {
		if yes(v) {
			t.Fatalf("yes(%q) = true", v)
		}
	}
}
