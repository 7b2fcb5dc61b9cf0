// Package csvtools provides data analysis tools over the CSV files of one
// data directory. None of them modify files.
package csvtools

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"ToolChat/internal/tools"
)

const previewRows = 5

// Toolset serves the CSV tools for a data directory
type Toolset struct {
	dir string
}

// New creates a toolset rooted at dir
func New(dir string) *Toolset {
	return &Toolset{dir: dir}
}

// Register adds every CSV tool to reg
func Register(reg *tools.Registry, dir string) error {
	ts := New(dir)
	for _, t := range append(ts.definitions(), ts.analysisDefinitions()...) {
		if err := reg.Register(t.spec, t.handler); err != nil {
			return err
		}
	}
	return nil
}

type definition struct {
	spec    tools.Spec
	handler tools.Handler
}

func fileParam() map[string]interface{} {
	return map[string]interface{}{
		"type":        "string",
		"description": "CSV file name inside the data directory",
	}
}

func columnParam() map[string]interface{} {
	return map[string]interface{}{
		"type":        "string",
		"description": "Column name as it appears in the header row",
	}
}

func (ts *Toolset) definitions() []definition {
	return []definition{
		{
			spec: tools.Spec{
				Name:        "list_csv_files",
				Description: "List the CSV files available in the data directory with their sizes",
				Schema:      mcp.ToolInputSchema{Type: "object", Properties: map[string]interface{}{}},
			},
			handler: ts.listFiles,
		},
		{
			spec: tools.Spec{
				Name:        "load_csv_file",
				Description: "Load a CSV file and report its dimensions, column names and the first rows",
				Schema: mcp.ToolInputSchema{
					Type:       "object",
					Properties: map[string]interface{}{"filename": fileParam()},
					Required:   []string{"filename"},
				},
				ReadOnly: true,
			},
			handler: ts.loadFile,
		},
		{
			spec: tools.Spec{
				Name:        "get_column_info",
				Description: "Describe one column: inferred type, filled and missing counts, distinct values",
				Schema: mcp.ToolInputSchema{
					Type:       "object",
					Properties: map[string]interface{}{"filename": fileParam(), "column_name": columnParam()},
					Required:   []string{"filename", "column_name"},
				},
				ReadOnly: true,
			},
			handler: ts.columnInfo,
		},
		{
			spec: tools.Spec{
				Name:        "get_column_stats",
				Description: "Compute count, sum, mean, median, min, max, standard deviation and variance of a numeric column",
				Schema: mcp.ToolInputSchema{
					Type:       "object",
					Properties: map[string]interface{}{"filename": fileParam(), "column_name": columnParam()},
					Required:   []string{"filename", "column_name"},
				},
				ReadOnly: true,
			},
			handler: ts.columnStats,
		},
		{
			spec: tools.Spec{
				Name:        "get_unique_values",
				Description: "List the distinct values of a column with their counts, most frequent first",
				Schema: mcp.ToolInputSchema{
					Type: "object",
					Properties: map[string]interface{}{
						"filename":    fileParam(),
						"column_name": columnParam(),
						"limit": map[string]interface{}{
							"type":        "integer",
							"description": "Maximum number of values to return (default 20)",
						},
					},
					Required: []string{"filename", "column_name"},
				},
				ReadOnly: true,
			},
			handler: ts.uniqueValues,
		},
	}
}

// resolve confines a requested file name to the data directory
func (ts *Toolset) resolve(name string) (string, error) {
	base := filepath.Base(filepath.Clean(name))
	if base == "." || base == string(filepath.Separator) || base == ".." {
		return "", fmt.Errorf("invalid file name %q", name)
	}
	if base != name {
		return "", fmt.Errorf("file %q must be a plain name inside the data directory", name)
	}
	return filepath.Join(ts.dir, base), nil
}

type table struct {
	header []string
	rows   [][]string
}

func (ts *Toolset) read(name string) (*table, error) {
	path, err := ts.resolve(name)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("file %q does not exist", name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open %q: %w", name, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to parse %q: %w", name, err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("file %q is empty", name)
	}
	header := records[0]
	if len(header) > 0 {
		header[0] = strings.TrimPrefix(header[0], "\ufeff")
	}
	return &table{header: header, rows: records[1:]}, nil
}

func (t *table) column(name string) ([]string, error) {
	idx, err := t.index(name)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(t.rows))
	for i, row := range t.rows {
		out[i] = cell(row, idx)
	}
	return out, nil
}

func stringArg(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

func (ts *Toolset) listFiles(ctx context.Context, _ map[string]any) (any, error) {
	entries, err := os.ReadDir(ts.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return "The data directory does not exist.", nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list data directory: %w", err)
	}

	var b strings.Builder
	n := 0
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".csv") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if n == 0 {
			b.WriteString("Available CSV files:\n")
		}
		n++
		fmt.Fprintf(&b, "  %d. %s (%d bytes)\n", n, e.Name(), info.Size())
	}
	if n == 0 {
		return "No CSV files found in the data directory.", nil
	}
	return b.String(), nil
}

func (ts *Toolset) loadFile(ctx context.Context, args map[string]any) (any, error) {
	name := stringArg(args, "filename")
	t, err := ts.read(name)
	if err != nil {
		return nil, err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "File: %s\n", name)
	fmt.Fprintf(&b, "Dimensions: %d rows x %d columns\n", len(t.rows), len(t.header))
	fmt.Fprintf(&b, "Columns: %s\n\n", strings.Join(t.header, ", "))
	fmt.Fprintf(&b, "First %d rows:\n", min(previewRows, len(t.rows)))
	b.WriteString(strings.Join(t.header, " | "))
	b.WriteByte('\n')
	for i := 0; i < len(t.rows) && i < previewRows; i++ {
		b.WriteString(strings.Join(t.rows[i], " | "))
		b.WriteByte('\n')
	}
	return b.String(), nil
}

func (ts *Toolset) columnInfo(ctx context.Context, args map[string]any) (any, error) {
	name, col := stringArg(args, "filename"), stringArg(args, "column_name")
	t, err := ts.read(name)
	if err != nil {
		return nil, err
	}
	values, err := t.column(col)
	if err != nil {
		return nil, err
	}

	filled, numeric := 0, 0
	seen := map[string]struct{}{}
	var sample []string
	for _, v := range values {
		if v == "" {
			continue
		}
		filled++
		if _, err := strconv.ParseFloat(v, 64); err == nil {
			numeric++
		}
		if _, ok := seen[v]; !ok {
			seen[v] = struct{}{}
			if len(sample) < 10 {
				sample = append(sample, v)
			}
		}
	}

	kind := "text"
	if filled > 0 && numeric == filled {
		kind = "numeric"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Column: %s\n", col)
	fmt.Fprintf(&b, "Type: %s\n", kind)
	fmt.Fprintf(&b, "Filled values: %d\n", filled)
	fmt.Fprintf(&b, "Missing values: %d\n", len(values)-filled)
	fmt.Fprintf(&b, "Distinct values: %d\n", len(seen))
	if kind == "numeric" {
		s := summarize(parseNumbers(values))
		fmt.Fprintf(&b, "Range: %s ~ %s\n", formatNumber(s.min), formatNumber(s.max))
	}
	fmt.Fprintf(&b, "First distinct values: %s\n", strings.Join(sample, ", "))
	return b.String(), nil
}

// Stats summarizes a numeric column
type Stats struct {
	Count    int     `json:"count"`
	Sum      float64 `json:"sum"`
	Mean     float64 `json:"mean"`
	Median   float64 `json:"median"`
	Min      float64 `json:"min"`
	Max      float64 `json:"max"`
	StdDev   float64 `json:"std_dev"`
	Variance float64 `json:"variance"`
}

func (ts *Toolset) columnStats(ctx context.Context, args map[string]any) (any, error) {
	name, col := stringArg(args, "filename"), stringArg(args, "column_name")
	t, err := ts.read(name)
	if err != nil {
		return nil, err
	}
	values, err := t.column(col)
	if err != nil {
		return nil, err
	}

	nums := parseNumbers(values)
	for _, v := range values {
		if v == "" {
			continue
		}
		if _, err := strconv.ParseFloat(v, 64); err != nil {
			return nil, fmt.Errorf("column %q is not numeric (found %q)", col, v)
		}
	}
	if len(nums) == 0 {
		return nil, fmt.Errorf("column %q has no numeric values", col)
	}

	s := summarize(nums)
	return Stats{
		Count:    len(nums),
		Sum:      s.sum,
		Mean:     s.mean,
		Median:   s.median,
		Min:      s.min,
		Max:      s.max,
		StdDev:   math.Sqrt(s.variance),
		Variance: s.variance,
	}, nil
}

// ValueCount is one distinct value and how often it occurs
type ValueCount struct {
	Value string `json:"value"`
	Count int    `json:"count"`
}

func (ts *Toolset) uniqueValues(ctx context.Context, args map[string]any) (any, error) {
	name, col := stringArg(args, "filename"), stringArg(args, "column_name")
	limit := 20
	if l, ok := args["limit"].(float64); ok && l > 0 {
		limit = int(l)
	}

	t, err := ts.read(name)
	if err != nil {
		return nil, err
	}
	values, err := t.column(col)
	if err != nil {
		return nil, err
	}

	counts := map[string]int{}
	for _, v := range values {
		if v != "" {
			counts[v]++
		}
	}
	out := make([]ValueCount, 0, len(counts))
	for v, c := range counts {
		out = append(out, ValueCount{Value: v, Count: c})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Value < out[j].Value
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type summary struct {
	sum, mean, median, min, max, variance float64
}

func parseNumbers(values []string) []float64 {
	nums := make([]float64, 0, len(values))
	for _, v := range values {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			nums = append(nums, f)
		}
	}
	return nums
}

// summarize uses the sample variance, matching common spreadsheet tools
func summarize(nums []float64) summary {
	if len(nums) == 0 {
		return summary{}
	}
	sorted := append([]float64(nil), nums...)
	sort.Float64s(sorted)

	var s summary
	for _, n := range sorted {
		s.sum += n
	}
	s.mean = s.sum / float64(len(sorted))
	s.min, s.max = sorted[0], sorted[len(sorted)-1]

	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		s.median = (sorted[mid-1] + sorted[mid]) / 2
	} else {
		s.median = sorted[mid]
	}

	if len(sorted) > 1 {
		var sq float64
		for _, n := range sorted {
			sq += (n - s.mean) * (n - s.mean)
		}
		s.variance = sq / float64(len(sorted)-1)
	}
	return s
}

func formatNumber(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
