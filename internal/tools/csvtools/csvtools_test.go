package csvtools_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"ToolChat/internal/cache"
	"ToolChat/internal/chaterr"
	"ToolChat/internal/session"
	"ToolChat/internal/tools"
	"ToolChat/internal/tools/csvtools"
)

func setup(t *testing.T) (*tools.Executor, string) {
	t.Helper()
	dir := t.TempDir()
	data := "region,price,units\nnorth,10,1\nsouth,20,2\nnorth,30,\nwest,40,4\n"
	if err := os.WriteFile(filepath.Join(dir, "sales.csv"), []byte(data), 0o644); err != nil {
		t.Fatalf("write csv: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write txt: %v", err)
	}

	reg := tools.NewRegistry()
	if err := csvtools.Register(reg, dir); err != nil {
		t.Fatalf("Register: %v", err)
	}
	return tools.NewExecutor(reg, nil), dir
}

func run(t *testing.T, exec *tools.Executor, name string, args map[string]any) tools.Result {
	t.Helper()
	res := exec.Execute(context.Background(), "s1", "m1", []session.ToolCall{{ID: "c1", Name: name, Arguments: args}})
	return res[0]
}

func TestListCSVFiles(t *testing.T) {
	t.Parallel()

	exec, _ := setup(t)
	res := run(t, exec, "list_csv_files", nil)
	if res.Err != nil {
		t.Fatalf("unexpected error: %v", res.Err)
	}
	if !strings.Contains(res.Output, "1. sales.csv") || strings.Contains(res.Output, "notes.txt") {
		t.Fatalf("unexpected listing:\n%s", res.Output)
	}
}

func TestLoadCSVFile(t *testing.T) {
	t.Parallel()

	exec, _ := setup(t)
	res := run(t, exec, "load_csv_file", map[string]any{"filename": "sales.csv"})
	if res.Err != nil {
		t.Fatalf("unexpected error: %v", res.Err)
	}
	for _, want := range []string{"4 rows x 3 columns", "Columns: region, price, units", "north | 10 | 1"} {
		if !strings.Contains(res.Output, want) {
			t.Fatalf("output missing %q:\n%s", want, res.Output)
		}
	}
}

func TestColumnStats(t *testing.T) {
	t.Parallel()

	exec, _ := setup(t)
	res := run(t, exec, "get_column_stats", map[string]any{"filename": "sales.csv", "column_name": "price"})
	if res.Err != nil {
		t.Fatalf("unexpected error: %v", res.Err)
	}
	var stats csvtools.Stats
	if err := json.Unmarshal([]byte(res.Output), &stats); err != nil {
		t.Fatalf("stats are not JSON: %v\n%s", err, res.Output)
	}
	if stats.Count != 4 || stats.Sum != 100 || stats.Mean != 25 || stats.Median != 25 || stats.Min != 10 || stats.Max != 40 {
		t.Fatalf("unexpected stats %+v", stats)
	}

	res = run(t, exec, "get_column_stats", map[string]any{"filename": "sales.csv", "column_name": "region"})
	if !chaterr.Is(res.Err, chaterr.KindToolExecution) || !strings.Contains(res.Content(), "not numeric") {
		t.Fatalf("text column should fail, got %v", res.Err)
	}
}

func TestUniqueValuesAndColumnInfo(t *testing.T) {
	t.Parallel()

	exec, _ := setup(t)
	res := run(t, exec, "get_unique_values", map[string]any{"filename": "sales.csv", "column_name": "region", "limit": float64(2)})
	if res.Err != nil {
		t.Fatalf("unexpected error: %v", res.Err)
	}
	var vals []csvtools.ValueCount
	if err := json.Unmarshal([]byte(res.Output), &vals); err != nil {
		t.Fatalf("values are not JSON: %v", err)
	}
	if len(vals) != 2 || vals[0] != (csvtools.ValueCount{Value: "north", Count: 2}) {
		t.Fatalf("unexpected values %+v", vals)
	}

	res = run(t, exec, "get_column_info", map[string]any{"filename": "sales.csv", "column_name": "units"})
	if res.Err != nil {
		t.Fatalf("unexpected error: %v", res.Err)
	}
	for _, want := range []string{"Type: numeric", "Missing values: 1", "Range: 1 ~ 4"} {
		if !strings.Contains(res.Output, want) {
			t.Fatalf("output missing %q:\n%s", want, res.Output)
		}
	}
}

func TestFilesOutsideDataDirectoryAreRejected(t *testing.T) {
	t.Parallel()

	exec, dir := setup(t)
	outside := filepath.Join(filepath.Dir(dir), "secret.csv")
	if err := os.WriteFile(outside, []byte("a\n1\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	for _, name := range []string{"../secret.csv", outside, "missing.csv", ".."} {
		res := run(t, exec, "load_csv_file", map[string]any{"filename": name})
		if res.Err == nil {
			t.Fatalf("%q: expected an error result, got %q", name, res.Output)
		}
	}
}

func TestListingIsNotCached(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	reg := tools.NewRegistry()
	if err := csvtools.Register(reg, dir); err != nil {
		t.Fatalf("Register: %v", err)
	}
	exec := tools.NewExecutor(reg, nil, tools.WithCache(cache.New(time.Minute)))

	if res := run(t, exec, "list_csv_files", nil); !strings.Contains(res.Output, "No CSV files") {
		t.Fatalf("unexpected listing:\n%s", res.Output)
	}
	if err := os.WriteFile(filepath.Join(dir, "late.csv"), []byte("a\n1\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	res := run(t, exec, "list_csv_files", nil)
	if res.Cached || !strings.Contains(res.Output, "late.csv") {
		t.Fatalf("new file missing from listing (cached=%v):\n%s", res.Cached, res.Output)
	}
}

func TestCalculateSummary(t *testing.T) {
	t.Parallel()

	exec, _ := setup(t)
	res := run(t, exec, "calculate_summary", map[string]any{"filename": "sales.csv"})
	if res.Err != nil {
		t.Fatalf("unexpected error: %v", res.Err)
	}
	for _, want := range []string{"2 numeric columns", "price:\n  Sum: 100\n  Mean: 25", "units:\n  Sum: 7"} {
		if !strings.Contains(res.Output, want) {
			t.Fatalf("output missing %q:\n%s", want, res.Output)
		}
	}
	if strings.Contains(res.Output, "region:") {
		t.Fatalf("text column summarized:\n%s", res.Output)
	}
}

func TestFilterData(t *testing.T) {
	t.Parallel()

	exec, _ := setup(t)
	cases := []struct {
		op    string
		value any
		want  string
	}{
		{">", float64(15), "Matched 3 of 4 rows"},
		{"<=", "20", "Matched 2 of 4 rows"},
		{"=", float64(40), "Matched 1 of 4 rows"},
		{"!=", float64(40), "Matched 3 of 4 rows"},
	}
	for _, tc := range cases {
		res := run(t, exec, "filter_data", map[string]any{"filename": "sales.csv", "column_name": "price", "operator": tc.op, "value": tc.value})
		if res.Err != nil || !strings.Contains(res.Output, tc.want) {
			t.Fatalf("price %s %v: err=%v\n%s", tc.op, tc.value, res.Err, res.Output)
		}
	}

	res := run(t, exec, "filter_data", map[string]any{"filename": "sales.csv", "column_name": "region", "operator": "contains", "value": "ort"})
	if res.Err != nil || !strings.Contains(res.Output, "Matched 2 of 4 rows") || !strings.Contains(res.Output, "north | 30 | ") {
		t.Fatalf("contains: err=%v\n%s", res.Err, res.Output)
	}

	res = run(t, exec, "filter_data", map[string]any{"filename": "sales.csv", "column_name": "price", "operator": "~", "value": "1"})
	if !chaterr.Is(res.Err, chaterr.KindToolExecution) || !strings.Contains(res.Content(), "unsupported operator") {
		t.Fatalf("bad operator should fail, got %v", res.Err)
	}
}

func TestGroupBy(t *testing.T) {
	t.Parallel()

	exec, _ := setup(t)
	res := run(t, exec, "group_by_sum", map[string]any{"filename": "sales.csv", "group_column": "region", "sum_column": "price"})
	if res.Err != nil {
		t.Fatalf("unexpected error: %v", res.Err)
	}
	if !strings.Contains(res.Output, "north | 40\nwest | 40\nsouth | 20\n") || !strings.Contains(res.Output, "Total: 100") {
		t.Fatalf("unexpected sums:\n%s", res.Output)
	}

	res = run(t, exec, "group_by_aggregate", map[string]any{"filename": "sales.csv", "group_column": "region", "agg_column": "units", "agg_function": "mean"})
	if res.Err != nil || !strings.Contains(res.Output, "west | 4\nsouth | 2\nnorth | 1\n") {
		t.Fatalf("unexpected means: err=%v\n%s", res.Err, res.Output)
	}

	res = run(t, exec, "group_by_aggregate", map[string]any{"filename": "sales.csv", "group_column": "region", "agg_column": "region", "agg_function": "count"})
	if res.Err != nil || !strings.Contains(res.Output, "north | 2\n") {
		t.Fatalf("unexpected counts: err=%v\n%s", res.Err, res.Output)
	}

	res = run(t, exec, "group_by_sum", map[string]any{"filename": "sales.csv", "group_column": "price", "sum_column": "region"})
	if !strings.Contains(res.Content(), "not numeric") {
		t.Fatalf("text sum column should fail, got %q", res.Content())
	}
}

func TestCorrelation(t *testing.T) {
	t.Parallel()

	exec, _ := setup(t)
	res := run(t, exec, "calculate_correlation", map[string]any{"filename": "sales.csv", "column1": "price", "column2": "units"})
	if res.Err != nil {
		t.Fatalf("unexpected error: %v", res.Err)
	}
	if !strings.Contains(res.Output, "over 3 rows: 1.0000") || !strings.Contains(res.Output, "strong positive") {
		t.Fatalf("unexpected correlation:\n%s", res.Output)
	}
}

func TestTopRowsAndSearch(t *testing.T) {
	t.Parallel()

	exec, _ := setup(t)
	res := run(t, exec, "get_top_n_rows", map[string]any{"filename": "sales.csv", "column_name": "price", "n": float64(2)})
	if res.Err != nil || !strings.Contains(res.Output, "region | price | units\nwest | 40 | 4\nnorth | 30 | \n") {
		t.Fatalf("unexpected top rows: err=%v\n%s", res.Err, res.Output)
	}

	res = run(t, exec, "get_top_n_rows", map[string]any{"filename": "sales.csv", "column_name": "price", "n": float64(1), "ascending": true})
	if res.Err != nil || !strings.Contains(res.Output, "north | 10 | 1\n") {
		t.Fatalf("unexpected ascending rows: err=%v\n%s", res.Err, res.Output)
	}

	res = run(t, exec, "search_rows", map[string]any{"filename": "sales.csv", "column_name": "region", "keyword": "NOR"})
	if res.Err != nil || !strings.Contains(res.Output, "2 matching rows") {
		t.Fatalf("unexpected search: err=%v\n%s", res.Err, res.Output)
	}
}
