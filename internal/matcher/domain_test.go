package matcher

import "testing"

func TestDomainSetContains(t *testing.T) {
	d := NewDomainSet()
	if err := d.AddQname("example.com"); err != nil {
		t.Fatalf("AddQname: %v", err)
	}
	d.Seal()

	tests := []struct {
		name string
		want bool
	}{
		{"example.com", true},
		{"example.com.", true},
		{"www.example.com", true},
		{"EXAMPLE.COM", true},
		{"notexample.com", false},
		{"example.org", false},
		{"com", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := d.Contains(tt.name); got != tt.want {
				t.Errorf("Contains(%q) = %v, want %v", tt.name, got, tt.want)
			}
		})
	}
}

func TestDomainSetSealedRejectsMutation(t *testing.T) {
	d := NewDomainSet().Seal()
	if err := d.AddQname("example.com"); err == nil {
		t.Error("expected error adding to sealed domain set")
	}
}
