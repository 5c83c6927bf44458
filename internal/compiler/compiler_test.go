package compiler

import (
	"encoding/json"
	"testing"

	"github.com/ChuLiYu/beaver-query/internal/operator"
	"github.com/ChuLiYu/beaver-query/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

func newTestCompiler(t *testing.T, opts Options) *Compiler {
	t.Helper()
	return New(operator.Default(), opts)
}

func sampleRequest() types.QueryRequest {
	return types.QueryRequest{
		TenantID:      "s1",
		Window:        types.TimeWindow{Start: 0, End: 3600000},
		Operators:     []string{"FIR", "FFT"},
		QueryType:     types.QueryAnomaly,
		OutputFormats: []string{"JSON"},
	}
}

func kinds(plan *types.QueryPlan) []types.NodeKind {
	out := make([]types.NodeKind, len(plan.Nodes))
	for i, n := range plan.Nodes {
		out[i] = n.Kind()
	}
	return out
}

// ============================================================================
// 編譯結構
// ============================================================================

func TestCompile_LinearChain(t *testing.T) {
	c := newTestCompiler(t, Options{})

	plan, err := c.Compile(sampleRequest())
	require.NoError(t, err)

	require.Len(t, plan.Nodes, 5)
	assert.Equal(t, []types.NodeKind{
		types.KindSource, types.KindTransform, types.KindTransform, types.KindScore, types.KindOutput,
	}, kinds(plan))

	// 每個節點依賴前一個節點的真實 id
	assert.Empty(t, plan.Nodes[0].Dependencies)
	for i := 1; i < len(plan.Nodes); i++ {
		assert.Equal(t, []string{plan.Nodes[i-1].ID}, plan.Nodes[i].Dependencies, "node %d", i)
	}

	assert.Equal(t, "FIR", plan.Nodes[1].Config.(*types.TransformConfig).Operator)
	assert.Equal(t, "FFT", plan.Nodes[2].Config.(*types.TransformConfig).Operator)

	score := plan.Nodes[3].Config.(*types.ScoreConfig)
	assert.Equal(t, types.ScoreAnomaly, score.ScoreType)
	assert.Equal(t, "zscore-peak", score.Algorithm)

	out := plan.Nodes[4].Config.(*types.OutputConfig)
	assert.Equal(t, "JSON", out.Format)
	assert.Equal(t, DefaultRowLimit, out.RowLimit)

	src := plan.Nodes[0].Config.(*types.SourceConfig)
	assert.Equal(t, "s1", src.TenantID)
	assert.Equal(t, types.TimeWindow{Start: 0, End: 3600000}, src.Window)

	assert.Equal(t, types.PlanVersion, plan.Version)
	assert.Equal(t, SourceCost+1+4+1, plan.EstimatedCost)
	assert.Len(t, plan.ReproducibilityHash, 64)
	require.NoError(t, Verify(plan))
}

func TestCompile_NoOperators(t *testing.T) {
	req := sampleRequest()
	req.Operators = nil

	plan, err := newTestCompiler(t, Options{}).Compile(req)
	require.NoError(t, err)
	require.Len(t, plan.Nodes, 3)
	assert.Equal(t, []string{plan.Nodes[0].ID}, plan.Nodes[1].Dependencies, "SCORE depends directly on SOURCE")
}

func TestCompile_ScoreMapping(t *testing.T) {
	tests := []struct {
		queryType types.QueryType
		want      types.ScoreType
	}{
		{types.QueryAnomaly, types.ScoreAnomaly},
		{types.QueryPrediction, types.ScorePrediction},
		{types.QueryInsight, types.ScoreHealth},
		{types.QueryFunnel, types.ScoreQuality},
		{types.QueryCustom, types.ScoreCustom},
	}
	c := newTestCompiler(t, Options{})

	for _, tt := range tests {
		t.Run(string(tt.queryType), func(t *testing.T) {
			req := sampleRequest()
			req.QueryType = tt.queryType
			plan, err := c.Compile(req)
			require.NoError(t, err)
			assert.Equal(t, tt.want, plan.ScoreType())
		})
	}
}

func TestCompile_UnknownOperator(t *testing.T) {
	req := sampleRequest()
	req.Operators = []string{"FIR", "DTW9"}

	plan, err := newTestCompiler(t, Options{}).Compile(req)
	require.Error(t, err)
	assert.Nil(t, plan)
	assert.ErrorIs(t, err, types.ErrUnknownOperator)
	assert.Contains(t, err.Error(), "DTW9")
}

func TestCompile_InvalidRequest(t *testing.T) {
	req := sampleRequest()
	req.Window = types.TimeWindow{Start: 10, End: 5}

	_, err := newTestCompiler(t, Options{}).Compile(req)
	assert.ErrorIs(t, err, types.ErrInvalidRequest)
}

func TestCompile_UnsupportedOutputFormat(t *testing.T) {
	c := newTestCompiler(t, Options{})

	for _, formats := range [][]string{{"PDF"}, {"JSON", "xlsx"}} {
		req := sampleRequest()
		req.OutputFormats = formats

		plan, err := c.Compile(req)
		assert.Nil(t, plan, "%v", formats)
		assert.ErrorIs(t, err, types.ErrInvalidRequest, "%v", formats)
		assert.Equal(t, types.CodeInvalidRequest, types.CodeOf(err))
	}

	// 空白項目忽略，使用預設格式
	req := sampleRequest()
	req.OutputFormats = []string{"", "summary"}
	plan, err := c.Compile(req)
	require.NoError(t, err)
	assert.Equal(t, DefaultOutputFormat, plan.Nodes[len(plan.Nodes)-1].Config.(*types.OutputConfig).Format)
}

func TestCompile_MissingScorer(t *testing.T) {
	reg := operator.NewRegistry()
	req := sampleRequest()
	req.Operators = nil

	plan, err := New(reg, Options{}).Compile(req)
	assert.Nil(t, plan)
	assert.ErrorIs(t, err, ErrNoScorer)
}

func TestCompile_OutputFormatAndConstraints(t *testing.T) {
	latency := int64(250)
	confidence := 0.8
	req := sampleRequest()
	req.OutputFormats = []string{" csv ", "JSON"}
	req.Constraints = &types.Constraints{MaxLatencyMs: &latency, MinConfidence: &confidence}

	plan, err := newTestCompiler(t, Options{RowLimit: 50}).Compile(req)
	require.NoError(t, err)

	out := plan.Nodes[len(plan.Nodes)-1].Config.(*types.OutputConfig)
	assert.Equal(t, "CSV", out.Format)
	assert.Equal(t, 50, out.RowLimit)

	require.NotNil(t, plan.Constraints)
	assert.Equal(t, int64(250), *plan.Constraints.MaxLatencyMs)

	// 約束掛在 plan 上，修改原請求不影響 plan
	latency = 9999
	assert.Equal(t, int64(250), *plan.Constraints.MaxLatencyMs)
}

func TestCompile_ParallelSiblings(t *testing.T) {
	req := sampleRequest()
	req.Operators = []string{"FIR", "NORMALIZE", "EWMA", "FFT"}

	plan, err := newTestCompiler(t, Options{ParallelSiblings: true}).Compile(req)
	require.NoError(t, err)
	require.NoError(t, Verify(plan))

	assert.Equal(t, []types.NodeKind{
		types.KindSource,
		types.KindTransform, types.KindTransform, types.KindTransform,
		types.KindAggregate,
		types.KindTransform,
		types.KindScore, types.KindOutput,
	}, kinds(plan))

	source := plan.Nodes[0].ID
	for _, n := range plan.Nodes[1:4] {
		assert.Equal(t, []string{source}, n.Dependencies)
	}
	agg := plan.Nodes[4]
	assert.Equal(t, []string{plan.Nodes[1].ID, plan.Nodes[2].ID, plan.Nodes[3].ID}, agg.Dependencies)
	assert.Equal(t, operator.AggMean, agg.Config.(*types.AggregateConfig).Function)
	assert.Equal(t, []string{agg.ID}, plan.Nodes[5].Dependencies)

	linear, err := newTestCompiler(t, Options{}).Compile(req)
	require.NoError(t, err)
	assert.NotEqual(t, linear.ReproducibilityHash, plan.ReproducibilityHash)
}

func TestCompile_SingleParallelizableStaysLinear(t *testing.T) {
	plan, err := newTestCompiler(t, Options{ParallelSiblings: true}).Compile(sampleRequest())
	require.NoError(t, err)
	assert.Len(t, plan.Nodes, 5)
}

// ============================================================================
// 可重現性
// ============================================================================

func TestCompile_HashIsStable(t *testing.T) {
	c1 := newTestCompiler(t, Options{})
	c2 := newTestCompiler(t, Options{})

	a, err := c1.Compile(sampleRequest())
	require.NoError(t, err)
	b, err := c2.Compile(sampleRequest())
	require.NoError(t, err)

	assert.Equal(t, a.ReproducibilityHash, b.ReproducibilityHash)
	assert.Equal(t, a, b)

	ok, err := VerifyHash(a)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCompile_HashIgnoresKeyOrder(t *testing.T) {
	docs := []string{
		`{"tenantId":"s1","window":{"start":0,"end":3600000},"operators":["FIR","FFT"],"queryType":"ANOMALY","outputFormats":["JSON"]}`,
		`{"outputFormats":["JSON"],"queryType":"ANOMALY","operators":["FIR","FFT"],"window":{"end":3600000,"start":0},"tenantId":"s1"}`,
		`{"queryType":"ANOMALY","window":[0,3600000],"tenantId":"s1","outputFormats":["JSON"],"operators":["FIR","FFT"]}`,
	}
	c := newTestCompiler(t, Options{})

	var planHashes, requestHashes []string
	for _, doc := range docs {
		var req types.QueryRequest
		require.NoError(t, json.Unmarshal([]byte(doc), &req))

		plan, err := c.Compile(req)
		require.NoError(t, err)
		planHashes = append(planHashes, plan.ReproducibilityHash)

		rh, err := RequestHash(req)
		require.NoError(t, err)
		requestHashes = append(requestHashes, rh)
	}

	for i := 1; i < len(docs); i++ {
		assert.Equal(t, planHashes[0], planHashes[i])
		assert.Equal(t, requestHashes[0], requestHashes[i])
	}
}

func TestCompile_HashSensitiveToContent(t *testing.T) {
	c := newTestCompiler(t, Options{})
	base, err := c.Compile(sampleRequest())
	require.NoError(t, err)

	mutations := map[string]func(*types.QueryRequest){
		"tenant":   func(r *types.QueryRequest) { r.TenantID = "s2" },
		"window":   func(r *types.QueryRequest) { r.Window.End = 7200000 },
		"order":    func(r *types.QueryRequest) { r.Operators = []string{"FFT", "FIR"} },
		"type":     func(r *types.QueryRequest) { r.QueryType = types.QueryFunnel },
		"format":   func(r *types.QueryRequest) { r.OutputFormats = []string{"CSV"} },
		"operator": func(r *types.QueryRequest) { r.Operators = []string{"FIR"} },
	}
	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			req := sampleRequest()
			mutate(&req)
			plan, err := c.Compile(req)
			require.NoError(t, err)
			assert.NotEqual(t, base.ReproducibilityHash, plan.ReproducibilityHash)
		})
	}
}

func TestRequestHash_NilAndEmptyEquivalent(t *testing.T) {
	a := sampleRequest()
	a.Operators = nil
	b := sampleRequest()
	b.Operators = []string{}

	ha, err := RequestHash(a)
	require.NoError(t, err)
	hb, err := RequestHash(b)
	require.NoError(t, err)
	assert.Equal(t, ha, hb)
}

// ============================================================================
// Verify
// ============================================================================

func TestVerify_RejectsMalformedPlans(t *testing.T) {
	src := types.QueryNode{ID: "a", Config: &types.SourceConfig{}}
	out := types.QueryNode{ID: "z", Dependencies: []string{"a"}, Config: &types.OutputConfig{Format: "JSON"}}

	tests := []struct {
		name  string
		nodes []types.QueryNode
	}{
		{"missing dependency", []types.QueryNode{src, {ID: "z", Dependencies: []string{"ghost"}, Config: &types.OutputConfig{}}}},
		{"orphan transform", []types.QueryNode{src, {ID: "t", Config: &types.TransformConfig{Operator: "FIR"}}, out}},
		{"no output", []types.QueryNode{src}},
		{"output not terminal", []types.QueryNode{src, out, {ID: "after", Dependencies: []string{"z"}, Config: &types.ScoreConfig{}}}},
		{"duplicate id", []types.QueryNode{src, src, out}},
		{"missing config", []types.QueryNode{src, {ID: "x", Dependencies: []string{"a"}}, out}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, Verify(&types.QueryPlan{Nodes: tt.nodes}))
		})
	}
}
