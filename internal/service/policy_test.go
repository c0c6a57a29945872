package service

import (
	"slices"
	"testing"

	"github.com/enactai/enact/internal/model"
)

func TestPolicyRequired(t *testing.T) {
	p := DefaultPolicy()

	tests := []struct {
		tool string
		want model.Tier
	}{
		{"get_bill", model.TierReadOnly},
		{"search_bills", model.TierReadOnly},
		{"get_votes", model.TierStandard},
		{"search_govinfo", model.TierStandard},
		{"token_usage", model.TierAdmin},
		{AdminTool, model.TierAdmin},
		{"never_heard_of_it", model.TierAdmin},
	}
	for _, tt := range tests {
		if got := p.Required(tt.tool); got != tt.want {
			t.Errorf("Required(%q) = %s, want %s", tt.tool, got, tt.want)
		}
	}
	if p.Known("never_heard_of_it") {
		t.Error("unknown tool reported as known")
	}
}

func TestPolicyOverrides(t *testing.T) {
	base := DefaultPolicy()
	p := base.WithOverrides(map[string]model.Tier{
		"get_bill":  model.TierStandard,
		"new_thing": model.TierReadOnly,
	})

	if got := p.Required("get_bill"); got != model.TierStandard {
		t.Errorf("override not applied: %s", got)
	}
	if got := p.Required("new_thing"); got != model.TierReadOnly {
		t.Errorf("added tool: %s", got)
	}
	if got := base.Required("get_bill"); got != model.TierReadOnly {
		t.Errorf("base policy mutated: %s", got)
	}
}

func TestPolicyAccessible(t *testing.T) {
	p := DefaultPolicy()

	readOnly := p.Accessible(model.TierReadOnly)
	if slices.Contains(readOnly, "get_votes") || !slices.Contains(readOnly, "get_bill") {
		t.Errorf("read_only tools: %v", readOnly)
	}
	if !slices.IsSorted(readOnly) {
		t.Errorf("not sorted: %v", readOnly)
	}
	if got, want := len(p.Accessible(model.TierAdmin)), len(p.Tools()); got != want {
		t.Errorf("admin sees %d of %d tools", got, want)
	}
	if got := p.Accessible(model.Tier("bogus")); len(got) != 0 {
		t.Errorf("unknown tier sees %v", got)
	}
}

func TestIPAllowed(t *testing.T) {
	tests := []struct {
		name      string
		whitelist []string
		caller    string
		want      bool
	}{
		{"empty whitelist", nil, "", true},
		{"exact v4", []string{"203.0.113.7"}, "203.0.113.7", true},
		{"exact v4 with port", []string{"203.0.113.7"}, "203.0.113.7:9000", true},
		{"cidr", []string{"198.51.100.0/24"}, "198.51.100.200:1", true},
		{"outside cidr", []string{"198.51.100.0/24"}, "198.51.101.1", false},
		{"v6 cidr", []string{"2001:db8::/32"}, "[2001:db8::1]:443", true},
		{"v6 bare", []string{"2001:db8::1"}, "2001:db8::1", true},
		{"mapped v4", []string{"203.0.113.7"}, "::ffff:203.0.113.7", true},
		{"missing caller", []string{"203.0.113.7"}, "", false},
		{"garbage caller", []string{"203.0.113.7"}, "localhost", false},
		{"garbage entry skipped", []string{"nope", "203.0.113.7"}, "203.0.113.7", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ipAllowed(tt.whitelist, tt.caller); got != tt.want {
				t.Errorf("ipAllowed(%v, %q) = %v, want %v", tt.whitelist, tt.caller, got, tt.want)
			}
		})
	}
}

func TestNormalizeIPEntry(t *testing.T) {
	tests := []struct {
		in, want string
		wantErr  bool
	}{
		{"10.1.2.3", "10.1.2.3", false},
		{" 10.1.2.3/16 ", "10.1.0.0/16", false},
		{"::ffff:10.0.0.1", "10.0.0.1", false},
		{"2001:DB8::1", "2001:db8::1", false},
		{"10.0.0.0/33", "", true},
		{"example.com", "", true},
	}
	for _, tt := range tests {
		got, err := normalizeIPEntry(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("normalizeIPEntry(%q) error = %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("normalizeIPEntry(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
