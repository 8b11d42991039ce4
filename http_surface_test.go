package main

import (
	"errors"
	"testing"
)

func TestHTTPSurfaceEvaluateReportsMissingRuntime(t *testing.T) {
	s := &httpSurface{}
	if _, err := s.Evaluate("1 + 1"); !errors.Is(err, errNoScriptRuntime) {
		t.Errorf("err = %v, want the missing-runtime sentinel", err)
	}
}

func TestSelectorFragment(t *testing.T) {
	tests := []struct {
		selector string
		want     string
	}{
		{`input[type="password"]`, `type="password"`},
		{`.login-form`, "login-form"},
		{`#login-button`, "login-button"},
		{`form`, "form"},
	}
	for _, tt := range tests {
		if got := selectorFragment(tt.selector); got != tt.want {
			t.Errorf("selectorFragment(%q) = %q, want %q", tt.selector, got, tt.want)
		}
	}
}
