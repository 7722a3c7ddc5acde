package project

import "testing"

func TestSlug(t *testing.T) {
	cases := map[string]string{
		"myapp":             "myapp",
		"My App":            "my-app",
		"feature/add-cache": "feature-add-cache",
		"--weird--":         "weird",
		"UPPER_case.1":      "upper-case-1",
		"!!!":               "",
		"":                  "",
		"a  b":              "a-b",
	}
	for in, want := range cases {
		if got := Slug(in); got != want {
			t.Errorf("Slug(%q) = %q, want %q", in, got, want)
		}
	}
}
