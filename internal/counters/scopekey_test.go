package counters

import "testing"

func TestComposeScopeKeyJoinsValuesInOrder(t *testing.T) {
	key := ComposeScopeKey([]string{"2024", "A"})
	if key.String() != "2024|A" {
		t.Fatalf("unexpected scope key %q", key)
	}
	if ComposeScopeKey([]string{"A", "2024"}) == key {
		t.Fatalf("expected order to matter")
	}
}

func TestComposeScopeKeyAvoidsSeparatorCollisions(t *testing.T) {
	testCases := [][2][]string{
		{{"a|b", "c"}, {"a", "b|c"}},
		{{`a\`, "b"}, {"a", `\b`}},
		{{`a\|b`}, {`a\`, "b"}},
		{{""}, {"", ""}},
	}
	for _, testCase := range testCases {
		left := ComposeScopeKey(testCase[0])
		right := ComposeScopeKey(testCase[1])
		if left == right {
			t.Fatalf("expected %q and %q to compose distinct keys, both gave %q", testCase[0], testCase[1], left)
		}
	}
}

func TestComposeScopeKeyIsDeterministic(t *testing.T) {
	values := []string{"x|y", `z\`}
	if ComposeScopeKey(values) != ComposeScopeKey(append([]string(nil), values...)) {
		t.Fatalf("expected identical tuples to compose identical keys")
	}
}
