package builtin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/basket/labclaw/internal/sandbox"
	"github.com/basket/labclaw/internal/shared"
	"github.com/basket/labclaw/internal/skills"
)

const defaultAlpha = 0.05

var tTestSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "dataset": {"type": "string", "minLength": 1},
    "column_a": {"type": "string", "minLength": 1},
    "column_b": {"type": "string", "minLength": 1},
    "value_column": {"type": "string", "minLength": 1},
    "group_column": {"type": "string", "minLength": 1},
    "paired": {"type": "boolean"},
    "alpha": {"type": "number", "exclusiveMinimum": 0, "exclusiveMaximum": 1}
  },
  "required": ["dataset"],
  "oneOf": [
    {"required": ["column_a", "column_b"]},
    {"required": ["value_column", "group_column"]}
  ],
  "additionalProperties": false
}`)

type TTestInput struct {
	Dataset     string  `json:"dataset"`
	ColumnA     string  `json:"column_a"`
	ColumnB     string  `json:"column_b"`
	ValueColumn string  `json:"value_column"`
	GroupColumn string  `json:"group_column"`
	Paired      bool    `json:"paired"`
	Alpha       float64 `json:"alpha"`
}

type SampleSummary struct {
	Label string  `json:"label"`
	N     int     `json:"n"`
	Mean  float64 `json:"mean"`
	SD    float64 `json:"sd"`
}

type TTestOutput struct {
	Test        string        `json:"test"`
	Statistic   float64       `json:"t"`
	DF          float64       `json:"df"`
	PValue      float64       `json:"p_value"`
	Alpha       float64       `json:"alpha"`
	Significant bool          `json:"significant"`
	MeanDiff    float64       `json:"mean_difference"`
	A           SampleSummary `json:"a"`
	B           SampleSummary `json:"b"`
}

func tTest(deps Deps) skills.Structured {
	return skills.Structured{
		Name: "t_test",
		Description: "Two-sample t-test on an uploaded dataset. Compare two numeric columns (column_a, column_b), " +
			"or one numeric column split by a two-level group column. Welch's test by default; paired=true for a paired test.",
		Capability: skills.CapCompute,
		Schema:     tTestSchema,
		Handler: func(ctx context.Context, args map[string]any) (skills.Output, error) {
			start := time.Now()
			var in TTestInput
			if err := decodeArgs(args, &in); err != nil {
				return skills.Output{}, err
			}
			sessionID := shared.SessionID(ctx)
			ds, err := loadDataset(ctx, deps.Workspace, sessionID, in.Dataset)
			if err != nil {
				return skills.Output{}, err
			}
			out, err := runTTest(ds, in)
			if err != nil {
				return skills.Output{}, err
			}
			return skills.Output{Payload: out, Meta: skills.ExecMeta{Duration: time.Since(start)}}, nil
		},
	}
}

func runTTest(ds sandbox.Dataset, in TTestInput) (TTestOutput, error) {
	alpha := in.Alpha
	if alpha == 0 {
		alpha = defaultAlpha
	}
	var (
		a, b           []float64
		labelA, labelB string
		err            error
	)
	switch {
	case in.ColumnA != "":
		labelA, labelB = in.ColumnA, in.ColumnB
		a, b, err = columnSamples(ds, in.ColumnA, in.ColumnB, in.Paired)
	default:
		if in.Paired {
			return TTestOutput{}, shared.Errorf(shared.KindInvalidInput, "paired test needs column_a and column_b")
		}
		labelA, labelB, a, b, err = groupSamples(ds, in.ValueColumn, in.GroupColumn)
	}
	if err != nil {
		return TTestOutput{}, err
	}

	test, fn := "welch", welch
	if in.Paired {
		test, fn = "paired", paired
	}
	r, err := fn(a, b)
	if errors.Is(err, errDegenerate) {
		return TTestOutput{}, shared.Errorf(shared.KindInvalidInput, "t-test is undefined: %v", err)
	}
	if err != nil {
		return TTestOutput{}, shared.Wrap(shared.KindInvalidInput, err, fmt.Sprintf("t-test is undefined: %v", err))
	}
	return TTestOutput{
		Test:        test,
		Statistic:   round(r.T, 6),
		DF:          round(r.DF, 4),
		PValue:      r.P,
		Alpha:       alpha,
		Significant: r.P < alpha,
		MeanDiff:    round(mean(a)-mean(b), 6),
		A:           summarize(labelA, a),
		B:           summarize(labelB, b),
	}, nil
}

func summarize(label string, xs []float64) SampleSummary {
	return SampleSummary{Label: label, N: len(xs), Mean: round(mean(xs), 6), SD: round(math.Sqrt(variance(xs)), 6)}
}

func columnSamples(ds sandbox.Dataset, colA, colB string, pairwise bool) ([]float64, []float64, error) {
	ia, err := columnIndex(ds, colA)
	if err != nil {
		return nil, nil, err
	}
	ib, err := columnIndex(ds, colB)
	if err != nil {
		return nil, nil, err
	}
	var a, b []float64
	for row, rec := range ds.Rows {
		va, okA, err := cell(rec, ia, colA, row)
		if err != nil {
			return nil, nil, err
		}
		vb, okB, err := cell(rec, ib, colB, row)
		if err != nil {
			return nil, nil, err
		}
		if pairwise {
			if okA && okB {
				a, b = append(a, va), append(b, vb)
			}
			continue
		}
		if okA {
			a = append(a, va)
		}
		if okB {
			b = append(b, vb)
		}
	}
	return a, b, nil
}

func groupSamples(ds sandbox.Dataset, valueCol, groupCol string) (string, string, []float64, []float64, error) {
	iv, err := columnIndex(ds, valueCol)
	if err != nil {
		return "", "", nil, nil, err
	}
	ig, err := columnIndex(ds, groupCol)
	if err != nil {
		return "", "", nil, nil, err
	}
	var order []string
	samples := map[string][]float64{}
	for row, rec := range ds.Rows {
		if ig >= len(rec) {
			continue
		}
		g := rec[ig]
		if g == "" {
			continue
		}
		v, ok, err := cell(rec, iv, valueCol, row)
		if err != nil {
			return "", "", nil, nil, err
		}
		if !ok {
			continue
		}
		if _, seen := samples[g]; !seen {
			order = append(order, g)
		}
		samples[g] = append(samples[g], v)
	}
	if len(order) != 2 {
		return "", "", nil, nil, shared.Errorf(shared.KindInvalidInput,
			"group column %q must have exactly two levels, found %d", groupCol, len(order))
	}
	return order[0], order[1], samples[order[0]], samples[order[1]], nil
}

func cell(rec []string, idx int, column string, row int) (float64, bool, error) {
	if idx >= len(rec) {
		return 0, false, nil
	}
	v, ok, err := parseNumber(rec[idx])
	if err != nil {
		return 0, false, shared.Errorf(shared.KindInvalidInput, "column %q is not numeric (row %d: %q)", column, row+2, rec[idx])
	}
	return v, ok, nil
}

var describeSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "dataset": {"type": "string", "minLength": 1},
    "columns": {"type": "array", "items": {"type": "string"}}
  },
  "required": ["dataset"],
  "additionalProperties": false
}`)

type DescribeInput struct {
	Dataset string   `json:"dataset"`
	Columns []string `json:"columns"`
}

type ColumnSummary struct {
	Name     string   `json:"name"`
	Kind     string   `json:"kind"`
	Count    int      `json:"count"`
	Missing  int      `json:"missing"`
	Mean     *float64 `json:"mean,omitempty"`
	SD       *float64 `json:"sd,omitempty"`
	Min      *float64 `json:"min,omitempty"`
	Median   *float64 `json:"median,omitempty"`
	Max      *float64 `json:"max,omitempty"`
	Distinct int      `json:"distinct,omitempty"`
}

type DescribeOutput struct {
	Dataset string          `json:"dataset"`
	Rows    int             `json:"rows"`
	Columns []ColumnSummary `json:"columns"`
}

func describeDataset(deps Deps) skills.Structured {
	return skills.Structured{
		Name:        "describe_dataset",
		Description: "Summarise an uploaded dataset: row count and, per column, count, missing values and either numeric statistics or the number of distinct values.",
		Capability:  skills.CapCompute,
		Schema:      describeSchema,
		Handler: func(ctx context.Context, args map[string]any) (skills.Output, error) {
			start := time.Now()
			var in DescribeInput
			if err := decodeArgs(args, &in); err != nil {
				return skills.Output{}, err
			}
			ds, err := loadDataset(ctx, deps.Workspace, shared.SessionID(ctx), in.Dataset)
			if err != nil {
				return skills.Output{}, err
			}
			out, err := describe(ds, in.Columns)
			if err != nil {
				return skills.Output{}, err
			}
			return skills.Output{Payload: out, Meta: skills.ExecMeta{Duration: time.Since(start)}}, nil
		},
	}
}

func describe(ds sandbox.Dataset, columns []string) (DescribeOutput, error) {
	out := DescribeOutput{Dataset: ds.Name, Rows: len(ds.Rows)}
	if len(columns) == 0 {
		columns = ds.Columns
	}
	for _, col := range columns {
		idx, err := columnIndex(ds, col)
		if err != nil {
			return DescribeOutput{}, err
		}
		out.Columns = append(out.Columns, describeColumn(ds, ds.Columns[idx], idx))
	}
	return out, nil
}

func describeColumn(ds sandbox.Dataset, name string, idx int) ColumnSummary {
	s := ColumnSummary{Name: name, Kind: "numeric"}
	var nums []float64
	distinct := map[string]bool{}
	for _, rec := range ds.Rows {
		if idx >= len(rec) {
			s.Missing++
			continue
		}
		v, ok, err := parseNumber(rec[idx])
		switch {
		case err != nil:
			s.Kind = "categorical"
			s.Count++
			distinct[rec[idx]] = true
		case !ok:
			s.Missing++
		default:
			s.Count++
			nums = append(nums, v)
			distinct[rec[idx]] = true
		}
	}
	if s.Kind == "categorical" || len(nums) == 0 {
		s.Kind = "categorical"
		s.Distinct = len(distinct)
		return s
	}
	lo, hi := nums[0], nums[0]
	for _, v := range nums {
		lo, hi = math.Min(lo, v), math.Max(hi, v)
	}
	ptr := func(v float64) *float64 { r := round(v, 6); return &r }
	s.Mean = ptr(mean(nums))
	s.Min = ptr(lo)
	s.Max = ptr(hi)
	s.Median = ptr(median(nums))
	if len(nums) > 1 {
		s.SD = ptr(math.Sqrt(variance(nums)))
	}
	return s
}

var listSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "folder": {"type": "string"}
  },
  "additionalProperties": false
}`)

type ListInput struct {
	Folder string `json:"folder"`
}

type ListedArtifact struct {
	skills.ArtifactRef
	Size       int64     `json:"size"`
	ToolCallID string    `json:"tool_call_id"`
	CreatedAt  time.Time `json:"created_at"`
}

type ListOutput struct {
	Artifacts []ListedArtifact `json:"artifacts"`
	Datasets  []string         `json:"datasets"`
}

func listArtifacts(deps Deps) skills.Structured {
	return skills.Structured{
		Name:        "list_artifacts",
		Description: "List the files produced in this session (plots, reports, derived datasets) and the datasets available as inputs.",
		Capability:  skills.CapCompute,
		Schema:      listSchema,
		Handler: func(ctx context.Context, args map[string]any) (skills.Output, error) {
			var in ListInput
			if err := decodeArgs(args, &in); err != nil {
				return skills.Output{}, err
			}
			if deps.Workspace == nil {
				return skills.Output{}, shared.Errorf(shared.KindInternal, "workspace is not configured")
			}
			sessionID := shared.SessionID(ctx)
			arts, err := deps.Workspace.List(ctx, sessionID)
			if err != nil {
				return skills.Output{}, shared.Wrap(shared.KindInternal, err, "could not list artifacts")
			}
			dss, err := deps.Workspace.ListDatasets(ctx, sessionID)
			if err != nil {
				return skills.Output{}, shared.Wrap(shared.KindInternal, err, "could not list datasets")
			}
			out := ListOutput{Artifacts: []ListedArtifact{}, Datasets: []string{}}
			for _, a := range arts {
				if in.Folder != "" && a.Folder != in.Folder {
					continue
				}
				out.Artifacts = append(out.Artifacts, ListedArtifact{
					ArtifactRef: refOf(a),
					Size:        a.Size,
					ToolCallID:  a.ToolCallID,
					CreatedAt:   a.CreatedAt,
				})
			}
			for _, d := range dss {
				out.Datasets = append(out.Datasets, d.Name)
			}
			return skills.Output{Payload: out}, nil
		},
	}
}
