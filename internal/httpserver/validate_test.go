package httpserver

import (
	"net/http/httptest"
	"strings"
	"testing"
)

type createThing struct {
	Name       string `json:"name" validate:"required,min=1,max=100"`
	Visibility string `json:"visibility" validate:"omitempty,oneof=private internal public"`
}

func TestDecodeRejectsUnknownFields(t *testing.T) {
	r := httptest.NewRequest("POST", "/", strings.NewReader(`{"name":"a","bogus":true}`))
	var dst createThing
	if err := Decode(r, &dst); err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestDecodeRejectsEmptyBody(t *testing.T) {
	r := httptest.NewRequest("POST", "/", strings.NewReader(""))
	var dst createThing
	if err := Decode(r, &dst); err == nil {
		t.Fatal("expected error for empty body")
	}
}

func TestDecodeRejectsTrailingData(t *testing.T) {
	r := httptest.NewRequest("POST", "/", strings.NewReader(`{"name":"a"}{"name":"b"}`))
	var dst createThing
	if err := Decode(r, &dst); err == nil {
		t.Fatal("expected error for trailing JSON")
	}
}

func TestValidateReportsSnakeCaseFields(t *testing.T) {
	fields := Validate(createThing{Name: "", Visibility: "bogus"})
	if len(fields) != 2 {
		t.Fatalf("fields = %v, want 2 failures", fields)
	}
	if fields[0] != "name" || fields[1] != "visibility" {
		t.Fatalf("fields = %v", fields)
	}
}

func TestDecodeAndValidateWritesValidationStatus(t *testing.T) {
	r := httptest.NewRequest("POST", "/", strings.NewReader(`{"name":""}`))
	w := httptest.NewRecorder()
	var dst createThing
	if DecodeAndValidate(w, r, &dst) {
		t.Fatal("expected validation failure")
	}
	if w.Code != 422 {
		t.Fatalf("status = %d, want 422", w.Code)
	}
}

func TestToSnakeCase(t *testing.T) {
	cases := map[string]string{
		"DefaultBranch": "default_branch",
		"Name":          "name",
		"ImageRef":      "image_ref",
	}
	for in, want := range cases {
		if got := toSnakeCase(in); got != want {
			t.Errorf("toSnakeCase(%q) = %q, want %q", in, got, want)
		}
	}
}
