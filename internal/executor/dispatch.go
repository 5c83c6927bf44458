package executor

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"strconv"

	"github.com/ChuLiYu/beaver-query/internal/eventstore"
	"github.com/ChuLiYu/beaver-query/internal/operator"
	"github.com/ChuLiYu/beaver-query/pkg/types"
)

// ErrUnsupportedFormat OUTPUT 節點不支援的格式
var ErrUnsupportedFormat = errors.New("unsupported output format")

// Output formats.
const (
	FormatJSON    = types.FormatJSON
	FormatCSV     = types.FormatCSV
	FormatSummary = types.FormatSummary
)

// dispatch 依節點設定的具體型別執行
func (e *Executor) dispatch(ctx context.Context, plan *types.QueryPlan, node *types.QueryNode, inputs []*types.NodeOutput) (*types.NodeOutput, error) {
	switch cfg := node.Config.(type) {
	case *types.SourceConfig:
		if e.events == nil {
			return nil, errors.New("no event store configured")
		}
		raw, err := e.events.ReadWindow(ctx, cfg.TenantID, cfg.Window)
		if err != nil {
			return nil, fmt.Errorf("failed to read window: %w", err)
		}
		sampled, err := eventstore.Sample(raw, cfg.Sampling)
		if err != nil {
			return nil, err
		}
		return &types.NodeOutput{Series: sampled}, nil

	case *types.TransformConfig:
		in, err := singleSeries(node, inputs)
		if err != nil {
			return nil, err
		}
		out, cost, err := e.registry.Apply(cfg.Operator, in, cfg.Parameters)
		if err != nil {
			return nil, err
		}
		return &types.NodeOutput{Series: out, ComputeUnits: cost}, nil

	case *types.AggregateConfig:
		series := make([]*types.Series, 0, len(inputs))
		for i, in := range inputs {
			if in == nil || in.Series == nil {
				return nil, fmt.Errorf("dependency %s produced no series", node.Dependencies[i])
			}
			series = append(series, in.Series)
		}
		out, err := operator.Aggregate(cfg.Function, series)
		if err != nil {
			return nil, err
		}
		return &types.NodeOutput{Series: out}, nil

	case *types.ScoreConfig:
		in, err := singleSeries(node, inputs)
		if err != nil {
			return nil, err
		}
		score, err := e.registry.Score(cfg.ScoreType, cfg.Algorithm, in, cfg.ConfidenceLevel)
		if err != nil {
			return nil, err
		}
		// 評分的序列一併傳給 OUTPUT 產生資料列
		return &types.NodeOutput{Series: in, Score: score}, nil

	case *types.OutputConfig:
		if len(inputs) != 1 || inputs[0] == nil || inputs[0].Score == nil {
			return nil, errors.New("OUTPUT must depend on exactly one SCORE node")
		}
		result, err := format(cfg, inputs[0])
		if err != nil {
			return nil, err
		}
		return &types.NodeOutput{Result: result}, nil

	default:
		return nil, types.NewExecutionError(types.CodeUnknownNodeType, node.ID, fmt.Errorf("config type %T", node.Config))
	}
}

func singleSeries(node *types.QueryNode, inputs []*types.NodeOutput) (*types.Series, error) {
	if len(inputs) != 1 {
		return nil, fmt.Errorf("%s node expects 1 dependency, got %d", node.Kind(), len(inputs))
	}
	if inputs[0] == nil || inputs[0].Series == nil {
		return nil, fmt.Errorf("dependency %s produced no series", node.Dependencies[0])
	}
	return inputs[0].Series, nil
}

// format 依 OUTPUT 設定產生最終結果，列數不超過 RowLimit
func format(cfg *types.OutputConfig, in *types.NodeOutput) (*types.QueryResult, error) {
	result := &types.QueryResult{
		Format:      cfg.Format,
		Score:       in.Score.Score,
		Confidence:  in.Score.Confidence,
		Attribution: in.Score.Attribution,
		TotalRows:   in.Series.Len(),
	}

	rows := buildRows(in.Series, cfg.RowLimit)
	switch cfg.Format {
	case FormatJSON:
		result.Rows = rows
	case FormatCSV:
		var buf bytes.Buffer
		w := csv.NewWriter(&buf)
		if err := w.Write([]string{"index", "timestamp", "value"}); err != nil {
			return nil, err
		}
		for _, r := range rows {
			if err := w.Write([]string{
				strconv.Itoa(r.Index),
				strconv.FormatInt(r.Timestamp, 10),
				strconv.FormatFloat(r.Value, 'g', -1, 64),
			}); err != nil {
				return nil, err
			}
		}
		w.Flush()
		if err := w.Error(); err != nil {
			return nil, err
		}
		result.Encoded = buf.String()
	case FormatSummary:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, cfg.Format)
	}
	return result, nil
}

func buildRows(s *types.Series, limit int) []types.Row {
	n := s.Len()
	if limit > 0 && n > limit {
		n = limit
	}
	rows := make([]types.Row, n)
	for i := 0; i < n; i++ {
		rows[i] = types.Row{Index: i, Value: s.Values[i]}
		if len(s.Timestamps) == len(s.Values) {
			rows[i].Timestamp = s.Timestamps[i]
		}
	}
	return rows
}
