package cache

import (
	"net/url"
	"testing"
)

func TestKey_String(t *testing.T) {
	tests := []struct {
		name string
		key  Key
		want string
	}{
		{
			name: "endpoint no params",
			key:  Key{Endpoint: "drug/event.json"},
			want: "fda:drug/event.json",
		},
		{
			name: "surrounding slashes trimmed",
			key:  Key{Endpoint: "/device/recall.json/"},
			want: "fda:device/recall.json",
		},
		{
			name: "count query",
			key: Key{
				Endpoint: "drug/event.json",
				Params: url.Values{
					"count": []string{"patient.patientsex"},
					"limit": []string{"10"},
				},
			},
			want: "fda:drug/event.json?count=patient.patientsex&limit=10",
		},
		{
			name: "search values are escaped",
			key: Key{
				Endpoint: "food/enforcement.json",
				Params: url.Values{
					"search": []string{"report_date:[20200101+TO+20201231]"},
					"limit":  []string{"100"},
					"skip":   []string{"0"},
				},
			},
			want: "fda:food/enforcement.json?limit=100&search=report_date%3A%5B20200101%2BTO%2B20201231%5D&skip=0",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.key.String(); got != tt.want {
				t.Errorf("Key.String() = %v, want %v", got, tt.want)
			}
		})
	}
}

// TestKey_OrderIndependent ensures parameter insertion order never changes the key.
func TestKey_OrderIndependent(t *testing.T) {
	a := url.Values{}
	a.Set("search", "receivedate:[20240101+TO+20241231]")
	a.Set("count", "patient.reaction.reactionmeddrapt.exact")
	a.Set("limit", "25")

	b := url.Values{}
	b.Set("limit", "25")
	b.Set("count", "patient.reaction.reactionmeddrapt.exact")
	b.Set("search", "receivedate:[20240101+TO+20241231]")

	ka := Key{Endpoint: "drug/event.json", Params: a}.String()
	kb := Key{Endpoint: "drug/event.json", Params: b}.String()
	if ka != kb {
		t.Errorf("keys differ: %q vs %q", ka, kb)
	}

	for i := 0; i < 10; i++ {
		if got := (Key{Endpoint: "drug/event.json", Params: a}).String(); got != ka {
			t.Fatalf("iteration %d: key %q, want %q (not deterministic)", i, got, ka)
		}
	}
}

func TestKey_DistinctParams(t *testing.T) {
	// A value containing the separator must not alias a two-parameter set.
	one := Key{Endpoint: "drug/event.json", Params: url.Values{"a": []string{"1&b=2"}}}
	two := Key{Endpoint: "drug/event.json", Params: url.Values{"a": []string{"1"}, "b": []string{"2"}}}

	if one.String() == two.String() {
		t.Errorf("distinct parameter sets share key %q", one.String())
	}
}
