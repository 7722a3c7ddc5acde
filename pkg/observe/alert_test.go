package observe

import (
	"testing"
)

func TestParseAlertQueryDefaults(t *testing.T) {
	q, err := ParseAlertQuery("metric:cpu_usage")
	if err != nil {
		t.Fatalf("parsing: %v", err)
	}
	if q.MetricName != "cpu_usage" || q.Aggregation != "avg" || q.WindowSecs != 300 {
		t.Errorf("query = %+v", q)
	}
	if q.Labels != nil {
		t.Error("labels must default to nil")
	}
}

func TestParseAlertQueryFull(t *testing.T) {
	q, err := ParseAlertQuery(`metric:http_errors labels:{"method":"GET"} agg:sum window:60`)
	if err != nil {
		t.Fatalf("parsing: %v", err)
	}
	if q.MetricName != "http_errors" || q.Aggregation != "sum" || q.WindowSecs != 60 {
		t.Errorf("query = %+v", q)
	}
	if string(q.Labels) != `{"method":"GET"}` {
		t.Errorf("labels = %s", q.Labels)
	}
}

func TestParseAlertQueryErrors(t *testing.T) {
	cases := []string{
		"",
		"agg:avg",                    // missing metric
		"metric:cpu agg:median",      // unknown aggregation
		"metric:cpu window:notanint", // bad window
		"metric:cpu window:5",        // window too small
		"metric:cpu window:100000",   // window too large
		"metric:cpu labels:{broken",  // bad labels JSON
	}
	for _, query := range cases {
		if _, err := ParseAlertQuery(query); err == nil {
			t.Errorf("query %q must fail to parse", query)
		}
	}
}

func f(v float64) *float64 { return &v }

func TestCheckConditionGT(t *testing.T) {
	if !CheckCondition(CondGT, f(0.9), f(0.95)) {
		t.Error("0.95 > 0.9 must be met")
	}
	if CheckCondition(CondGT, f(0.9), f(0.5)) {
		t.Error("0.5 > 0.9 must not be met")
	}
	if CheckCondition(CondGT, f(0.9), nil) {
		t.Error("absent value must not satisfy gt")
	}
}

func TestCheckConditionLT(t *testing.T) {
	if !CheckCondition(CondLT, f(10), f(3)) {
		t.Error("3 < 10 must be met")
	}
	if CheckCondition(CondLT, f(10), f(30)) {
		t.Error("30 < 10 must not be met")
	}
}

func TestCheckConditionEQ(t *testing.T) {
	if !CheckCondition(CondEQ, f(5), f(5)) {
		t.Error("exact equality must be met")
	}
	if !CheckCondition(CondEQ, f(0.3), f(0.1+0.2)) {
		t.Error("equality within epsilon must be met")
	}
	if CheckCondition(CondEQ, f(5), f(6)) {
		t.Error("inequality must not be met")
	}
}

func TestCheckConditionAbsent(t *testing.T) {
	if !CheckCondition(CondAbsent, nil, nil) {
		t.Error("absent value must satisfy absent")
	}
	if CheckCondition(CondAbsent, nil, f(1)) {
		t.Error("present value must not satisfy absent")
	}
}

func TestCheckConditionUnknown(t *testing.T) {
	if CheckCondition("ge", f(1), f(2)) {
		t.Error("unknown condition must never be met")
	}
}
