package csvtools

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"ToolChat/internal/tools"
)

const (
	filterPreviewRows = 10
	maxListedRows     = 50
)

var (
	filterOperators = []string{">", "<", "=", ">=", "<=", "!=", "contains"}
	aggregates      = []string{"sum", "mean", "count", "max", "min"}
)

func enumParam(description string, values []string) map[string]interface{} {
	enum := make([]interface{}, len(values))
	for i, v := range values {
		enum[i] = v
	}
	return map[string]interface{}{
		"type":        "string",
		"description": description,
		"enum":        enum,
	}
}

func namedColumnParam(description string) map[string]interface{} {
	return map[string]interface{}{
		"type":        "string",
		"description": description,
	}
}

func (ts *Toolset) analysisDefinitions() []definition {
	return []definition{
		{
			spec: tools.Spec{
				Name:        "calculate_summary",
				Description: "Summarize every numeric column of a CSV file: sum, mean, median and standard deviation",
				Schema: mcp.ToolInputSchema{
					Type:       "object",
					Properties: map[string]interface{}{"filename": fileParam()},
					Required:   []string{"filename"},
				},
				ReadOnly: true,
			},
			handler: ts.numericSummary,
		},
		{
			spec: tools.Spec{
				Name:        "filter_data",
				Description: "Select the rows whose column satisfies a condition and preview the first matches",
				Schema: mcp.ToolInputSchema{
					Type: "object",
					Properties: map[string]interface{}{
						"filename":    fileParam(),
						"column_name": columnParam(),
						"operator":    enumParam("Comparison operator", filterOperators),
						"value": map[string]interface{}{
							"description": "Value to compare against, a number or a string",
						},
					},
					Required: []string{"filename", "column_name", "operator", "value"},
				},
				ReadOnly: true,
			},
			handler: ts.filter,
		},
		{
			spec: tools.Spec{
				Name:        "group_by_sum",
				Description: "Group rows by one column and sum a numeric column per group, largest first",
				Schema: mcp.ToolInputSchema{
					Type: "object",
					Properties: map[string]interface{}{
						"filename":     fileParam(),
						"group_column": namedColumnParam("Column whose values form the groups"),
						"sum_column":   namedColumnParam("Numeric column to sum"),
					},
					Required: []string{"filename", "group_column", "sum_column"},
				},
				ReadOnly: true,
			},
			handler: ts.groupSum,
		},
		{
			spec: tools.Spec{
				Name:        "group_by_aggregate",
				Description: "Group rows by one column and aggregate another column per group, largest first",
				Schema: mcp.ToolInputSchema{
					Type: "object",
					Properties: map[string]interface{}{
						"filename":     fileParam(),
						"group_column": namedColumnParam("Column whose values form the groups"),
						"agg_column":   namedColumnParam("Column to aggregate; numeric unless agg_function is count"),
						"agg_function": enumParam("Aggregate function", aggregates),
					},
					Required: []string{"filename", "group_column", "agg_column", "agg_function"},
				},
				ReadOnly: true,
			},
			handler: ts.groupAggregate,
		},
		{
			spec: tools.Spec{
				Name:        "calculate_correlation",
				Description: "Compute the Pearson correlation coefficient of two numeric columns",
				Schema: mcp.ToolInputSchema{
					Type: "object",
					Properties: map[string]interface{}{
						"filename": fileParam(),
						"column1":  namedColumnParam("First numeric column"),
						"column2":  namedColumnParam("Second numeric column"),
					},
					Required: []string{"filename", "column1", "column2"},
				},
				ReadOnly: true,
			},
			handler: ts.correlation,
		},
		{
			spec: tools.Spec{
				Name:        "get_top_n_rows",
				Description: "Sort rows by a numeric column and return the first n, descending unless ascending is set",
				Schema: mcp.ToolInputSchema{
					Type: "object",
					Properties: map[string]interface{}{
						"filename":    fileParam(),
						"column_name": columnParam(),
						"n": map[string]interface{}{
							"type":        "integer",
							"description": "Number of rows to return",
						},
						"ascending": map[string]interface{}{
							"type":        "boolean",
							"description": "Sort ascending instead of descending (default false)",
						},
					},
					Required: []string{"filename", "column_name", "n"},
				},
				ReadOnly: true,
			},
			handler: ts.topRows,
		},
		{
			spec: tools.Spec{
				Name:        "search_rows",
				Description: "Find the rows whose column contains a keyword, ignoring case",
				Schema: mcp.ToolInputSchema{
					Type: "object",
					Properties: map[string]interface{}{
						"filename":    fileParam(),
						"column_name": columnParam(),
						"keyword": map[string]interface{}{
							"type":        "string",
							"description": "Text to search for",
						},
					},
					Required: []string{"filename", "column_name", "keyword"},
				},
				ReadOnly: true,
			},
			handler: ts.search,
		},
	}
}

func (t *table) index(name string) (int, error) {
	for i, h := range t.header {
		if h == name {
			return i, nil
		}
	}
	return -1, fmt.Errorf("column %q does not exist; available columns: %s", name, strings.Join(t.header, ", "))
}

func cell(row []string, idx int) string {
	if idx < len(row) {
		return strings.TrimSpace(row[idx])
	}
	return ""
}

// numbers parses a numeric column. ok[i] is false for empty cells; any
// other unparsable cell makes the column non-numeric.
func (t *table) numbers(name string) ([]float64, []bool, error) {
	values, err := t.column(name)
	if err != nil {
		return nil, nil, err
	}
	nums := make([]float64, len(values))
	ok := make([]bool, len(values))
	for i, v := range values {
		if v == "" {
			continue
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, nil, fmt.Errorf("column %q is not numeric (found %q)", name, v)
		}
		nums[i], ok[i] = f, true
	}
	return nums, ok, nil
}

func (t *table) render(b *strings.Builder, rows [][]string) {
	b.WriteString(strings.Join(t.header, " | "))
	b.WriteByte('\n')
	for _, row := range rows {
		b.WriteString(strings.Join(row, " | "))
		b.WriteByte('\n')
	}
}

func rounded(f float64) string {
	return formatNumber(math.Round(f*100) / 100)
}

func (ts *Toolset) numericSummary(ctx context.Context, args map[string]any) (any, error) {
	t, err := ts.read(stringArg(args, "filename"))
	if err != nil {
		return nil, err
	}

	var b strings.Builder
	n := 0
	for _, col := range t.header {
		nums, ok, err := t.numbers(col)
		if err != nil {
			continue
		}
		var present []float64
		for i, f := range nums {
			if ok[i] {
				present = append(present, f)
			}
		}
		if len(present) == 0 {
			continue
		}
		n++
		s := summarize(present)
		fmt.Fprintf(&b, "%s:\n", col)
		fmt.Fprintf(&b, "  Sum: %s\n", rounded(s.sum))
		fmt.Fprintf(&b, "  Mean: %s\n", rounded(s.mean))
		fmt.Fprintf(&b, "  Median: %s\n", rounded(s.median))
		fmt.Fprintf(&b, "  Std dev: %s\n\n", rounded(math.Sqrt(s.variance)))
	}
	if n == 0 {
		return "The file has no numeric columns.", nil
	}
	return fmt.Sprintf("Summary of %d numeric columns:\n\n%s", n, b.String()), nil
}

func argText(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return formatNumber(t)
	default:
		return fmt.Sprint(v)
	}
}

func matches(op, cellValue, value string) (bool, error) {
	if op == "contains" {
		return strings.Contains(cellValue, value), nil
	}

	c, cerr := strconv.ParseFloat(cellValue, 64)
	v, verr := strconv.ParseFloat(value, 64)
	numeric := cerr == nil && verr == nil

	switch op {
	case "=":
		if numeric {
			return c == v, nil
		}
		return cellValue == value, nil
	case "!=":
		if numeric {
			return c != v, nil
		}
		return cellValue != value, nil
	}

	if verr != nil {
		return false, fmt.Errorf("operator %s needs a numeric value, got %q", op, value)
	}
	if cerr != nil {
		return false, nil
	}
	switch op {
	case ">":
		return c > v, nil
	case "<":
		return c < v, nil
	case ">=":
		return c >= v, nil
	case "<=":
		return c <= v, nil
	}
	return false, fmt.Errorf("unsupported operator %q; supported operators: %s", op, strings.Join(filterOperators, ", "))
}

func (ts *Toolset) filter(ctx context.Context, args map[string]any) (any, error) {
	col, op := stringArg(args, "column_name"), stringArg(args, "operator")
	value := argText(args["value"])

	t, err := ts.read(stringArg(args, "filename"))
	if err != nil {
		return nil, err
	}
	idx, err := t.index(col)
	if err != nil {
		return nil, err
	}

	var matched [][]string
	for _, row := range t.rows {
		ok, err := matches(op, cell(row, idx), value)
		if err != nil {
			return nil, err
		}
		if ok {
			matched = append(matched, row)
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Filter: %s %s %s\n", col, op, value)
	fmt.Fprintf(&b, "Matched %d of %d rows\n\n", len(matched), len(t.rows))
	if len(matched) == 0 {
		b.WriteString("No rows matched.\n")
		return b.String(), nil
	}
	fmt.Fprintf(&b, "First %d matches:\n", min(filterPreviewRows, len(matched)))
	t.render(&b, matched[:min(filterPreviewRows, len(matched))])
	return b.String(), nil
}

type group struct {
	key    string
	values []float64
	count  int
}

// groups collects the values of agg per distinct value of by, in first
// seen order. Empty agg cells are skipped.
func (t *table) groups(by, agg string, numeric bool) ([]*group, error) {
	gi, err := t.index(by)
	if err != nil {
		return nil, err
	}
	ai, err := t.index(agg)
	if err != nil {
		return nil, err
	}
	var nums []float64
	var ok []bool
	if numeric {
		if nums, ok, err = t.numbers(agg); err != nil {
			return nil, err
		}
	}

	index := map[string]*group{}
	var out []*group
	for i, row := range t.rows {
		key := cell(row, gi)
		g, seen := index[key]
		if !seen {
			g = &group{key: key}
			index[key] = g
			out = append(out, g)
		}
		if cell(row, ai) == "" {
			continue
		}
		g.count++
		if numeric && ok[i] {
			g.values = append(g.values, nums[i])
		}
	}
	return out, nil
}

type groupResult struct {
	key   string
	value float64
}

func sortResults(rs []groupResult) {
	sort.SliceStable(rs, func(i, j int) bool {
		if rs[i].value != rs[j].value {
			return rs[i].value > rs[j].value
		}
		return rs[i].key < rs[j].key
	})
}

func (ts *Toolset) groupSum(ctx context.Context, args map[string]any) (any, error) {
	by, col := stringArg(args, "group_column"), stringArg(args, "sum_column")
	t, err := ts.read(stringArg(args, "filename"))
	if err != nil {
		return nil, err
	}
	groups, err := t.groups(by, col, true)
	if err != nil {
		return nil, err
	}

	results := make([]groupResult, len(groups))
	var total float64
	for i, g := range groups {
		results[i] = groupResult{key: g.key}
		for _, v := range g.values {
			results[i].value += v
		}
		total += results[i].value
	}
	sortResults(results)

	var b strings.Builder
	fmt.Fprintf(&b, "Sum of %s grouped by %s:\n\n", col, by)
	fmt.Fprintf(&b, "%s | %s\n", by, col)
	for _, r := range results {
		fmt.Fprintf(&b, "%s | %s\n", r.key, formatNumber(r.value))
	}
	fmt.Fprintf(&b, "\nTotal: %s\n", rounded(total))
	return b.String(), nil
}

func (ts *Toolset) groupAggregate(ctx context.Context, args map[string]any) (any, error) {
	by, col, fn := stringArg(args, "group_column"), stringArg(args, "agg_column"), stringArg(args, "agg_function")
	found := false
	for _, a := range aggregates {
		found = found || a == fn
	}
	if !found {
		return nil, fmt.Errorf("unsupported aggregate %q; supported functions: %s", fn, strings.Join(aggregates, ", "))
	}

	t, err := ts.read(stringArg(args, "filename"))
	if err != nil {
		return nil, err
	}
	groups, err := t.groups(by, col, fn != "count")
	if err != nil {
		return nil, err
	}

	results := make([]groupResult, 0, len(groups))
	for _, g := range groups {
		if fn == "count" {
			results = append(results, groupResult{key: g.key, value: float64(g.count)})
			continue
		}
		if len(g.values) == 0 {
			continue
		}
		s := summarize(g.values)
		r := groupResult{key: g.key}
		switch fn {
		case "sum":
			r.value = s.sum
		case "mean":
			r.value = s.mean
		case "max":
			r.value = s.max
		case "min":
			r.value = s.min
		}
		results = append(results, r)
	}
	sortResults(results)

	var b strings.Builder
	fmt.Fprintf(&b, "%s of %s grouped by %s:\n\n", fn, col, by)
	fmt.Fprintf(&b, "%s | %s\n", by, col)
	for _, r := range results {
		fmt.Fprintf(&b, "%s | %s\n", r.key, rounded(r.value))
	}
	return b.String(), nil
}

func (ts *Toolset) correlation(ctx context.Context, args map[string]any) (any, error) {
	c1, c2 := stringArg(args, "column1"), stringArg(args, "column2")
	t, err := ts.read(stringArg(args, "filename"))
	if err != nil {
		return nil, err
	}
	x, xok, err := t.numbers(c1)
	if err != nil {
		return nil, err
	}
	y, yok, err := t.numbers(c2)
	if err != nil {
		return nil, err
	}

	var xs, ys []float64
	for i := range x {
		if xok[i] && yok[i] {
			xs = append(xs, x[i])
			ys = append(ys, y[i])
		}
	}
	if len(xs) < 2 {
		return nil, fmt.Errorf("columns %q and %q share fewer than 2 rows with values", c1, c2)
	}
	r, ok := pearson(xs, ys)
	if !ok {
		return nil, fmt.Errorf("correlation is undefined: a column is constant")
	}

	strength := "very weak"
	switch a := math.Abs(r); {
	case a >= 0.8:
		strength = "strong"
	case a >= 0.5:
		strength = "moderate"
	case a >= 0.3:
		strength = "weak"
	}
	direction := "negative"
	if r > 0 {
		direction = "positive"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Correlation of %s and %s over %d rows: %.4f\n", c1, c2, len(xs), r)
	fmt.Fprintf(&b, "Relationship: %s %s\n", strength, direction)
	return b.String(), nil
}

func pearson(xs, ys []float64) (float64, bool) {
	n := float64(len(xs))
	var mx, my float64
	for i := range xs {
		mx += xs[i]
		my += ys[i]
	}
	mx, my = mx/n, my/n

	var cov, vx, vy float64
	for i := range xs {
		dx, dy := xs[i]-mx, ys[i]-my
		cov += dx * dy
		vx += dx * dx
		vy += dy * dy
	}
	if vx == 0 || vy == 0 {
		return 0, false
	}
	return cov / math.Sqrt(vx*vy), true
}

func (ts *Toolset) topRows(ctx context.Context, args map[string]any) (any, error) {
	col := stringArg(args, "column_name")
	n := 0
	if f, ok := args["n"].(float64); ok {
		n = int(f)
	}
	if n <= 0 {
		return nil, fmt.Errorf("n must be positive")
	}
	ascending, _ := args["ascending"].(bool)

	t, err := ts.read(stringArg(args, "filename"))
	if err != nil {
		return nil, err
	}
	nums, ok, err := t.numbers(col)
	if err != nil {
		return nil, err
	}

	// rows without a value are not ranked
	var order []int
	for i := range t.rows {
		if ok[i] {
			order = append(order, i)
		}
	}
	sort.SliceStable(order, func(i, j int) bool {
		if ascending {
			return nums[order[i]] < nums[order[j]]
		}
		return nums[order[i]] > nums[order[j]]
	})
	if len(order) > n {
		order = order[:n]
	}

	rows := make([][]string, len(order))
	for i, idx := range order {
		rows[i] = t.rows[idx]
	}
	dir := "descending"
	if ascending {
		dir = "ascending"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Top %d rows by %s (%s):\n\n", len(rows), col, dir)
	t.render(&b, rows)
	return b.String(), nil
}

func (ts *Toolset) search(ctx context.Context, args map[string]any) (any, error) {
	col, keyword := stringArg(args, "column_name"), stringArg(args, "keyword")
	t, err := ts.read(stringArg(args, "filename"))
	if err != nil {
		return nil, err
	}
	idx, err := t.index(col)
	if err != nil {
		return nil, err
	}

	needle := strings.ToLower(keyword)
	var found [][]string
	for _, row := range t.rows {
		if strings.Contains(strings.ToLower(cell(row, idx)), needle) {
			found = append(found, row)
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Search for %q in %s: %d matching rows\n\n", keyword, col, len(found))
	if len(found) == 0 {
		b.WriteString("No rows contain the keyword.\n")
		return b.String(), nil
	}
	shown := found[:min(maxListedRows, len(found))]
	t.render(&b, shown)
	if rest := len(found) - len(shown); rest > 0 {
		fmt.Fprintf(&b, "... %d more rows\n", rest)
	}
	return b.String(), nil
}
