package version

import "testing"

func TestIsDevelopmentVersion(t *testing.T) {
	tests := []struct {
		input    string
		expected bool
	}{
		{"", true},
		{"unknown", true},
		{"dev", true},
		{"devel", true},
		{"devel+abc123", true},
		{"devel+abc+dirty", true},

		{"v0.1.0", false},
		{"1.0.0-rc.1", false},
		{"develop", false},
		{"my-devel", false},
		{"DEV", false},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := IsDevelopmentVersion(tt.input); got != tt.expected {
				t.Errorf("IsDevelopmentVersion(%q) = %v, want %v", tt.input, got, tt.expected)
			}
		})
	}
}

func TestIsRelease(t *testing.T) {
	valid := []string{"v1.2.3", "1.2.3", "v0.3.0-beta", "v1.0.0-rc.1", "v2.0.0-rc1.test"}
	invalid := []string{"", "dev", "v1.2", "v1.2.3; rm -rf /", "v1.2.3-", "v1.2.3+build"}

	for _, v := range valid {
		if !IsRelease(v) {
			t.Errorf("IsRelease(%q) = false, want true", v)
		}
	}
	for _, v := range invalid {
		if IsRelease(v) {
			t.Errorf("IsRelease(%q) = true, want false", v)
		}
	}
}

func TestParseSemver(t *testing.T) {
	tests := []struct {
		input    string
		expected [3]int
	}{
		{"v1.2.3", [3]int{1, 2, 3}},
		{"0.1.0", [3]int{0, 1, 0}},
		{"v1.0.0-beta", [3]int{1, 0, 0}},
		{"v1.0.0+build123", [3]int{1, 0, 0}},
		{"v1.0.0-beta+build123", [3]int{1, 0, 0}},
		{"2.0", [3]int{2, 0, 0}},
		{"v5", [3]int{5, 0, 0}},
		{"", [3]int{0, 0, 0}},
		{"no.numbers.here", [3]int{0, 0, 0}},
		{"v100.200.300", [3]int{100, 200, 300}},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := parseSemver(tt.input); got != tt.expected {
				t.Errorf("parseSemver(%q) = %v, want %v", tt.input, got, tt.expected)
			}
		})
	}
}

func TestCompare(t *testing.T) {
	tests := []struct {
		local, remote string
		want          Skew
	}{
		{"v1.2.0", "v1.2.0", SkewNone},
		{"v1.2.0", "1.2.0", SkewNone},
		{"v1.2.0", "v1.0.5", SkewAhead},
		{"v1.0.5", "v1.2.0", SkewBehind},
		{"v1.9.9", "v1.10.0", SkewBehind},
		{"v1.2.0", "v2.0.0", SkewMajor},
		{"v0.4.0", "v0.9.1", SkewBehind},
		{"dev", "v3.0.0", SkewUnknown},
		{"v0.4.0", "devel+abc", SkewUnknown},
		{"v1.0.0", "", SkewUnknown},
	}
	for _, tt := range tests {
		if got := Compare(tt.local, tt.remote); got != tt.want {
			t.Errorf("Compare(%q, %q) = %v, want %v", tt.local, tt.remote, got, tt.want)
		}
	}
}

func TestCompatible(t *testing.T) {
	tests := []struct {
		local, remote string
		want          bool
	}{
		{"v1.2.0", "v1.0.5", true},
		{"v1.2.0", "v2.0.0", false},
		{"dev", "v3.0.0", true},
		{"v0.4.0", "devel+abc", true},
	}
	for _, tt := range tests {
		if got := Compatible(tt.local, tt.remote); got != tt.want {
			t.Errorf("Compatible(%q, %q) = %v, want %v", tt.local, tt.remote, got, tt.want)
		}
	}
}

func TestSkewString(t *testing.T) {
	if SkewMajor.String() != "incompatible" || SkewUnknown.String() != "unknown" {
		t.Fatalf("unexpected names: %s %s", SkewMajor, SkewUnknown)
	}
}
