package health

import "testing"

func TestState_String(t *testing.T) {
	tests := []struct {
		state    State
		expected string
	}{
		{Healthy, "healthy"},
		{Poisoned, "poisoned"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if got := tt.state.String(); got != tt.expected {
				t.Errorf("String() = %s, want %s", got, tt.expected)
			}
		})
	}
}

type fakeReporter struct{ state State }

func (f fakeReporter) Health() State { return f.state }

func TestReporter(t *testing.T) {
	var r Reporter = fakeReporter{state: Poisoned}
	if r.Health() != Poisoned {
		t.Errorf("Health() = %v, want %v", r.Health(), Poisoned)
	}
}
