package version

import "testing"

func TestParse(t *testing.T) {
	cases := map[string]Version{
		"1":       {1, 0, 0},
		"v0.44":   {0, 44, 0},
		"0.44.0":  {0, 44, 0},
		" 2.3.4 ": {2, 3, 4},
	}
	for in, want := range cases {
		got, ok := Parse(in)
		if !ok || got != want {
			t.Fatalf("Parse(%q) = %v, %v; want %v", in, got, ok, want)
		}
	}
	for _, bad := range []string{"", "a.b", "1..2", "1.2.3.4", "-1"} {
		if _, ok := Parse(bad); ok {
			t.Fatalf("Parse(%q) should fail", bad)
		}
	}
}

func TestCompare(t *testing.T) {
	if MustParse("0.44.1").Compare(MustParse("0.44.0")) != 1 {
		t.Fatal("expected 0.44.1 > 0.44.0")
	}
	if MustParse("0.9").Compare(MustParse("0.44")) != -1 {
		t.Fatal("expected 0.9 < 0.44")
	}
}

func TestCompatible(t *testing.T) {
	for in, want := range map[string]bool{
		"0.44.0": true,
		"0.44.3": true,
		"":       true,
		"0.51.0": false,
		"1.44.0": false,
	} {
		if got := Compatible(in); got != want {
			t.Fatalf("Compatible(%q) = %v, want %v", in, got, want)
		}
	}
}
