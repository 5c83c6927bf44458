package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ChuLiYu/beaver-query/internal/compiler"
	"github.com/ChuLiYu/beaver-query/internal/config"
	"github.com/ChuLiYu/beaver-query/internal/operator"
	"github.com/ChuLiYu/beaver-query/internal/server"
	"github.com/ChuLiYu/beaver-query/pkg/types"
)

// ============================================================================
// compile
// ============================================================================

// CompileOutput compile 命令的輸出
type CompileOutput struct {
	QueryHash string           `json:"queryHash"`
	Plan      *types.QueryPlan `json:"plan"`
}

func buildCompileCommand(opts *rootOptions) *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "compile",
		Short: "Compile a query request offline and print its plan",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfigOrDefault(opts.configFile)
			if err != nil {
				return err
			}
			return compileFile(cmd.OutOrStdout(), cfg, file)
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "JSON file containing a query request")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func compileFile(w io.Writer, cfg config.Config, path string) error {
	reqs, err := readRequests(path)
	if err != nil {
		return err
	}
	copts := cfg.EngineConfig().Compiler
	c := compiler.New(operator.Default(), copts)

	out := make([]CompileOutput, 0, len(reqs))
	for _, r := range reqs {
		plan, err := c.Compile(r.QueryRequest)
		if err != nil {
			return fmt.Errorf("compile %s: %w", r.TenantID, err)
		}
		hash, err := compiler.RequestHash(r.QueryRequest)
		if err != nil {
			return err
		}
		out = append(out, CompileOutput{QueryHash: hash, Plan: plan})
	}
	if len(out) == 1 {
		return printJSON(w, out[0])
	}
	return printJSON(w, out)
}

// loadConfigOrDefault 離線命令在沒有設定檔時使用預設值
func loadConfigOrDefault(path string) (config.Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return config.Default(), nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// ============================================================================
// submit
// ============================================================================

func buildSubmitCommand(opts *rootOptions) *cobra.Command {
	var file string
	var priority int
	var deadlineMs int64
	var bypassCache bool

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit query requests from a JSON file to a running server",
		Long:  "Read one request object or an array of requests and POST each to /api/v1/queries.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			reqs, err := readRequests(file)
			if err != nil {
				return err
			}
			client := NewClient(opts.serverURL)
			w := cmd.OutOrStdout()

			submitted := 0
			for _, r := range reqs {
				if cmd.Flags().Changed("priority") {
					r.Priority = priority
				}
				if cmd.Flags().Changed("deadline-ms") {
					r.DeadlineMs = deadlineMs
				}
				r.BypassCache = r.BypassCache || bypassCache

				resp, err := client.Submit(cmd.Context(), r)
				if err != nil {
					fmt.Fprintf(w, "tenant %s: rejected: %v\n", r.TenantID, err)
					continue
				}
				submitted++
				fmt.Fprintf(w, "tenant %s: %s %s queue=%s cached=%t\n",
					r.TenantID, resp.ExecutionID, resp.Status, resp.Queue, resp.Cached)
			}
			fmt.Fprintf(w, "Submitted %d/%d requests to %s\n", submitted, len(reqs), opts.serverURL)
			if submitted == 0 && len(reqs) > 0 {
				return fmt.Errorf("%w: no request was accepted", ErrAPI)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "JSON file containing query requests")
	cmd.Flags().IntVar(&priority, "priority", 0, "priority for every request (higher runs first)")
	cmd.Flags().Int64Var(&deadlineMs, "deadline-ms", 0, "deadline in milliseconds for every request")
	cmd.Flags().BoolVar(&bypassCache, "bypass-cache", false, "skip the result cache")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

// readRequests 讀取單一請求物件或請求陣列
func readRequests(path string) ([]server.SubmitRequest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read request file: %w", err)
	}
	data = bytes.TrimSpace(data)

	var reqs []server.SubmitRequest
	if len(data) > 0 && data[0] == '[' {
		err = json.Unmarshal(data, &reqs)
	} else {
		var one server.SubmitRequest
		err = json.Unmarshal(data, &one)
		reqs = []server.SubmitRequest{one}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse request file: %w", err)
	}
	return reqs, nil
}

// ============================================================================
// status
// ============================================================================

func buildStatusCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show queue status of a running server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			stats, err := NewClient(opts.serverURL).QueueStats(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to fetch queue stats: %w", err)
			}
			return printQueueStats(cmd.OutOrStdout(), stats)
		},
	}
}

func printQueueStats(w io.Writer, stats []types.WorkerPoolStats) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "QUEUE\tWORKERS\tACTIVE\tDEPTH\tAVG MS\tBACKPRESSURE\tREJECTION RATE")
	for _, s := range stats {
		bp := "off"
		if s.Backpressure.Enabled {
			bp = "ON"
		}
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%.1f\t%s (>=%d)\t%.2f\n",
			s.Queue, s.MaxWorkers, s.ActiveWorkers, s.QueueDepth, s.AverageProcessingMs,
			bp, s.Backpressure.Threshold, s.Backpressure.RejectionRate)
	}
	return tw.Flush()
}

// ============================================================================
// budget
// ============================================================================

func buildBudgetCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "budget",
		Short: "Manage tenant execution budgets on a running server",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "set <tenant> <tier>",
		Short: "Initialize a tenant budget from a tier (free, basic, pro, enterprise)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := NewClient(opts.serverURL).SetBudget(cmd.Context(), args[0], types.Tier(args[1]))
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), b)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "get <tenant>",
		Short: "Show a tenant budget",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := NewClient(opts.serverURL).GetBudget(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), b)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "reset <tenant>",
		Short: "Zero a tenant's usage and start a new window",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := NewClient(opts.serverURL).ResetBudget(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), b)
		},
	})
	return cmd
}

// ============================================================================
// operators
// ============================================================================

func buildOperatorsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "operators",
		Short: "List registered operators",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return printOperators(cmd.OutOrStdout(), operator.Default().List())
		},
	}
}

func printOperators(w io.Writer, ops []operator.Metadata) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tCOST\tDETERMINISTIC\tPARALLEL\tDESCRIPTION")
	for _, m := range ops {
		fmt.Fprintf(tw, "%s\t%.2f\t%t\t%t\t%s\n", m.Name, m.CostEstimate, m.Deterministic, m.Parallelizable, m.Description)
	}
	return tw.Flush()
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
