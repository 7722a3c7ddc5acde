package httpserver

import (
	"net/http/httptest"
	"testing"
)

func TestParsePageParamsDefaults(t *testing.T) {
	r := httptest.NewRequest("GET", "/pipelines", nil)
	p := ParsePageParams(r)
	if p.Limit != 50 || p.Offset != 0 {
		t.Fatalf("defaults = %+v, want limit 50 offset 0", p)
	}
}

func TestParsePageParamsClampsLimit(t *testing.T) {
	r := httptest.NewRequest("GET", "/pipelines?limit=500", nil)
	p := ParsePageParams(r)
	if p.Limit != 100 {
		t.Fatalf("limit = %d, want clamped to 100", p.Limit)
	}
}

func TestParsePageParamsIgnoresGarbage(t *testing.T) {
	r := httptest.NewRequest("GET", "/pipelines?limit=banana&offset=-3", nil)
	p := ParsePageParams(r)
	if p.Limit != 50 || p.Offset != 0 {
		t.Fatalf("params = %+v, want defaults for invalid input", p)
	}
}

func TestParsePageParamsValid(t *testing.T) {
	r := httptest.NewRequest("GET", "/pipelines?limit=10&offset=30", nil)
	p := ParsePageParams(r)
	if p.Limit != 10 || p.Offset != 30 {
		t.Fatalf("params = %+v", p)
	}
}
