package observe

import (
	"bytes"
	"testing"

	"github.com/parquet-go/parquet-go"
)

func TestWriteParquetRoundTrip(t *testing.T) {
	rows := []logParquetRow{
		{ID: "a", TimestampU: 1000, Service: "api", Level: "info", Message: "hello"},
		{ID: "b", TimestampU: 2000, Service: "api", Level: "error", Message: "boom", TraceID: "deadbeef"},
	}

	raw, err := writeParquet(rows)
	if err != nil {
		t.Fatalf("writing parquet: %v", err)
	}
	if len(raw) == 0 {
		t.Fatal("empty parquet output")
	}

	reader := parquet.NewGenericReader[logParquetRow](bytes.NewReader(raw))
	defer reader.Close()

	out := make([]logParquetRow, 2)
	n, _ := reader.Read(out)
	if n != 2 {
		t.Fatalf("read %d rows, want 2", n)
	}
	if out[0].ID != "a" || out[1].Message != "boom" || out[1].TraceID != "deadbeef" {
		t.Errorf("rows = %+v", out)
	}
}

func TestWriteParquetMetricRows(t *testing.T) {
	rows := []metricParquetRow{
		{SeriesID: "s1", Name: "cpu_usage", Labels: `{"host":"a"}`, TimestampU: 123, Value: 0.95},
	}
	raw, err := writeParquet(rows)
	if err != nil {
		t.Fatalf("writing parquet: %v", err)
	}

	reader := parquet.NewGenericReader[metricParquetRow](bytes.NewReader(raw))
	defer reader.Close()

	out := make([]metricParquetRow, 1)
	if n, _ := reader.Read(out); n != 1 {
		t.Fatalf("read %d rows, want 1", n)
	}
	if out[0].Value != 0.95 || out[0].Name != "cpu_usage" {
		t.Errorf("row = %+v", out[0])
	}
}
