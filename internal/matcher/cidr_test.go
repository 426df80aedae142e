package matcher

import "testing"

func TestCidrSetLongestPrefix(t *testing.T) {
	c := NewCidrSet()
	for _, cidr := range []string{"10.0.0.0/8", "10.1.0.0/16", "2001:db8::/32"} {
		if err := c.AddCIDR(cidr); err != nil {
			t.Fatalf("AddCIDR(%q): %v", cidr, err)
		}
	}
	c.Seal()

	tests := []struct {
		ip   string
		want bool
	}{
		{"10.2.3.4", true},
		{"10.1.2.3", true},
		{"11.0.0.1", false},
		{"2001:db8::1", true},
		{"2001:db9::1", false},
	}

	for _, tt := range tests {
		t.Run(tt.ip, func(t *testing.T) {
			if got := c.Contains(tt.ip); got != tt.want {
				t.Errorf("Contains(%q) = %v, want %v", tt.ip, got, tt.want)
			}
		})
	}
}

func TestCidrSetSealedRejectsMutation(t *testing.T) {
	c := NewCidrSet().Seal()
	if err := c.AddCIDR("10.0.0.0/8"); err == nil {
		t.Error("expected error adding to sealed cidr set")
	}
}
