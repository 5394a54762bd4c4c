package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"net/url"
	"slices"
	"strings"
	"time"

	gomcp "github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/gateway-fm/chainstress/internal/storage"
	"github.com/gateway-fm/chainstress/pkg/types"
)

// RegisterTools registers all harness tools on the MCP server.
func RegisterTools(s *server.MCPServer, client *Client) {
	registerStatus(s, client)
	registerHealth(s, client)
	registerSuites(s, client)
	registerRun(s, client)
	registerStop(s, client)
	registerHistory(s, client)
	registerRunDetail(s, client)
	registerDeleteRun(s, client)
}

func registerStatus(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("harness_status",
		gomcp.WithDescription("Get the current harness status: run state, current suite, live operation counts by kind, failure kinds, latency and finished suites."),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		raw, err := client.Get(ctx, "/v1/status")
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Harness unreachable: %v\n\nIs the service running? Try: chainstress serve", err)), nil
		}
		return gomcp.NewToolResultText(formatStatus(raw)), nil
	})
}

func registerHealth(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("harness_health",
		gomcp.WithDescription("Check that every node under test answers RPC."),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		// /ready answers 503 with a body when a node is down; read the node list instead.
		raw, err := client.Get(ctx, "/v1/nodes")
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Harness unreachable: %v", err)), nil
		}
		return gomcp.NewToolResultText(formatHealth(raw)), nil
	})
}

func registerSuites(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("harness_suites",
		gomcp.WithDescription("List the available suites with their group, workers per node, duration, rate and error-rate threshold."),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		raw, err := client.Get(ctx, "/v1/suites")
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Suites failed: %v", err)), nil
		}
		return gomcp.NewToolResultText(formatSuites(raw)), nil
	})
}

func registerRun(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("harness_run",
		gomcp.WithDescription("Start a run in the background. This is a MUTATING operation. The target is a suite name, a group (stress, load, functional) or all."),
		gomcp.WithString("suite",
			gomcp.Required(),
			gomcp.Description("Suite name, group name or \"all\""),
		),
		gomcp.WithNumber("duration_sec",
			gomcp.Description("Per-suite duration override in seconds (0-3600, 0 keeps the suite default)"),
		),
		gomcp.WithNumber("rate",
			gomcp.Description("Per-worker rate override in operations per second (0 keeps the suite default)"),
		),
		gomcp.WithNumber("workers_per_node",
			gomcp.Description("Workers per node override (0 keeps the suite default)"),
		),
		gomcp.WithNumber("seed",
			gomcp.Description("Random seed for reproducible workloads (0 picks one)"),
		),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		target, err := req.RequireString("suite")
		if err != nil {
			return gomcp.NewToolResultError("suite is required"), nil
		}

		payload := types.RunRequest{
			Target:         target,
			DurationSec:    req.GetInt("duration_sec", 0),
			Rate:           req.GetFloat("rate", 0),
			WorkersPerNode: req.GetInt("workers_per_node", 0),
			Seed:           int64(req.GetInt("seed", 0)),
		}

		raw, err := client.Post(ctx, "/v1/run", payload)
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Start run failed: %v", err)), nil
		}
		var resp struct {
			RunID string `json:"runId"`
		}
		json.Unmarshal(raw, &resp)

		duration := "suite default"
		if payload.DurationSec > 0 {
			duration = fmt.Sprintf("%ds per suite", payload.DurationSec)
		}
		return gomcp.NewToolResultText(joinLines(
			section("Run Started"),
			kv("Run ID", resp.RunID),
			kv("Target", target),
			kv("Duration", duration),
			"Poll harness_status for progress.",
		)), nil
	})
}

func registerStop(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("harness_stop",
		gomcp.WithDescription("Stop the active run. This is a MUTATING operation. The partial report is still stored."),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		if _, err := client.Post(ctx, "/v1/stop", nil); err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Stop failed: %v", err)), nil
		}
		return gomcp.NewToolResultText(joinLines(
			section("Run Stopping"),
			"Workers finish their current operation. The report will be available in history.",
		)), nil
	})
}

func registerHistory(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("harness_history",
		gomcp.WithDescription("List stored runs with their verdict and tier (paginated, newest first)."),
		gomcp.WithNumber("limit",
			gomcp.Description("Max results to return (default: 10, max: 100)"),
		),
		gomcp.WithNumber("offset",
			gomcp.Description("Results offset for pagination (default: 0)"),
		),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		path := fmt.Sprintf("/v1/history?limit=%d&offset=%d", req.GetInt("limit", 10), req.GetInt("offset", 0))
		raw, err := client.Get(ctx, path)
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("History failed: %v", err)), nil
		}
		return gomcp.NewToolResultText(formatHistory(raw)), nil
	})
}

func registerRunDetail(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("harness_run_detail",
		gomcp.WithDescription("Get a stored run by ID with per-suite results, or its full text report."),
		gomcp.WithString("id",
			gomcp.Required(),
			gomcp.Description("Run ID"),
		),
		gomcp.WithBoolean("report",
			gomcp.Description("Return the rendered text report instead of the summary"),
		),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return gomcp.NewToolResultError("id is required"), nil
		}
		path := "/v1/history/" + url.PathEscape(id)
		if req.GetBool("report", false) {
			raw, err := client.Get(ctx, path+"/report")
			if err != nil {
				return gomcp.NewToolResultError(fmt.Sprintf("Report failed: %v", err)), nil
			}
			return gomcp.NewToolResultText(string(raw)), nil
		}
		raw, err := client.Get(ctx, path)
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Run detail failed: %v", err)), nil
		}
		return gomcp.NewToolResultText(formatRunDetail(raw)), nil
	})
}

func registerDeleteRun(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("harness_delete_run",
		gomcp.WithDescription("Delete a stored run and its suite results. This is a MUTATING operation."),
		gomcp.WithString("id",
			gomcp.Required(),
			gomcp.Description("Run ID to delete"),
		),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return gomcp.NewToolResultError("id is required"), nil
		}
		if _, err := client.Delete(ctx, "/v1/history/"+url.PathEscape(id)); err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Delete failed: %v", err)), nil
		}
		return gomcp.NewToolResultText(joinLines(
			section("Run Deleted"),
			kv("ID", id),
		)), nil
	})
}

func formatStatus(raw json.RawMessage) string {
	var st types.RunStatus
	if err := json.Unmarshal(raw, &st); err != nil {
		return fmt.Sprintf("Error parsing status: %v", err)
	}

	lines := joinLines(
		section("Harness Status"),
		kv("State", st.State),
		optional("Run ID", st.RunID),
		optional("Target", st.Target),
		optional("Current Suite", string(st.CurrentSuite)),
		kv("Elapsed", fmt.Sprintf("%.1fs", float64(st.ElapsedMs)/1000)),
		kv("Active Workers", st.ActiveWorkers),
		kv("Peak Workers", st.PeakWorkers),
		kv("Attempts", formatNumber(st.Attempts)),
		kv("Successes", formatNumber(st.Successes)),
		kv("Failures", formatNumber(st.Failures)),
	)

	if len(st.ByKind) > 0 {
		lines += "\n\n" + section("By Operation Kind")
		for _, k := range slices.Sorted(maps.Keys(st.ByKind)) {
			c := st.ByKind[k]
			lines += "\n" + kv(string(k), fmt.Sprintf("%s ok, %s failed", formatNumber(c.Successes), formatNumber(c.Failures)))
		}
	}
	if len(st.ByFailure) > 0 {
		lines += "\n\n" + section("Failures By Kind")
		for _, k := range slices.Sorted(maps.Keys(st.ByFailure)) {
			lines += "\n" + kv(k, formatNumber(st.ByFailure[k]))
		}
	}
	if st.Latency != nil && st.Latency.Count > 0 {
		lines += "\n\n" + formatLatency(st.Latency)
	}
	if len(st.Completed) > 0 {
		lines += "\n\n" + section("Finished Suites")
		for _, e := range st.Completed {
			lines += "\n" + fmt.Sprintf("  %-22s %s  ops=%s errors=%s rate=%s",
				e.Suite, passFail(e.Passed), formatNumber(e.TotalOperations), formatNumber(e.TotalErrors), formatPct(e.ErrorRate))
		}
	}
	if st.Report != nil {
		lines += "\n\n" + joinLines(
			section("Result"),
			kv("Overall", passFail(st.Report.Passed)),
			kv("Tier", st.Report.Tier),
		)
	}
	if st.Error != "" {
		lines += "\n\n" + kv("Error", st.Error)
	}
	return lines
}

func formatLatency(l *types.LatencyStats) string {
	return joinLines(
		section("RPC Latency"),
		kv("Min", formatMs(l.Min)),
		kv("P50", formatMs(l.P50)),
		kv("P95", formatMs(l.P95)),
		kv("P99", formatMs(l.P99)),
		kv("Max", formatMs(l.Max)),
	)
}

type nodeHealth struct {
	NodeID    int    `json:"nodeId"`
	Status    string `json:"status"`
	Blocks    int64  `json:"blocks"`
	LatencyMs int64  `json:"latencyMs"`
	Error     string `json:"error"`
}

func formatHealth(raw json.RawMessage) string {
	var nodes []nodeHealth
	if err := json.Unmarshal(raw, &nodes); err != nil {
		return fmt.Sprintf("Error parsing health: %v", err)
	}

	state := "READY"
	for _, n := range nodes {
		if n.Status != "ok" {
			state = "NOT READY"
		}
	}
	if len(nodes) == 0 {
		state = "NO NODES"
	}

	lines := section("Node Health: " + state)
	for _, n := range nodes {
		line := fmt.Sprintf("  node %-3d %-6s blocks=%d (%dms)", n.NodeID, n.Status, n.Blocks, n.LatencyMs)
		if n.Error != "" {
			line += " - " + n.Error
		}
		lines += "\n" + line
	}
	return lines
}

func formatSuites(raw json.RawMessage) string {
	var infos []types.SuiteInfo
	if err := json.Unmarshal(raw, &infos); err != nil {
		return fmt.Sprintf("Error parsing suites: %v", err)
	}

	lines := section("Suites")
	for _, s := range infos {
		lines += "\n\n" + joinLines(
			fmt.Sprintf("### %s (%s)", s.Name, s.Group),
			s.Description,
		)
		if s.Group != types.GroupFunctional {
			lines += "\n" + joinLines(
				kv("Workers/Node", s.WorkersPerNode),
				kv("Duration", fmt.Sprintf("%ds", s.DurationSec)),
				kv("Rate", fmt.Sprintf("%g ops/s per worker", s.Rate)),
				kv("Max Error Rate", formatPct(s.MaxErrorRate)),
			)
		}
	}
	return lines
}

func formatHistory(raw json.RawMessage) string {
	var page storage.PaginatedRuns
	if err := json.Unmarshal(raw, &page); err != nil {
		return fmt.Sprintf("Error parsing history: %v", err)
	}

	lines := joinLines(
		section("Run History"),
		kv("Total Runs", formatNumber(page.Total)),
	) + "\n\n"

	if len(page.Runs) == 0 {
		return lines + "No runs found."
	}

	var b strings.Builder
	for _, run := range page.Runs {
		fmt.Fprintf(&b, "### %s\n", run.ID)
		b.WriteString(joinLines(
			kv("Target", run.Target),
			kv("Status", run.Status),
			kv("Result", passFail(run.Passed)),
			optional("Tier", string(run.Tier)),
			kv("Duration", fmt.Sprintf("%.1fs", float64(run.DurationMs)/1000)),
			kv("Started", run.StartedAt.Local().Format(time.DateTime)),
		))
		b.WriteString("\n\n")
	}
	return lines + b.String()
}

func formatRunDetail(raw json.RawMessage) string {
	var run storage.Run
	if err := json.Unmarshal(raw, &run); err != nil {
		return fmt.Sprintf("Error parsing run detail: %v", err)
	}
	if run.ID == "" {
		return "Run not found"
	}

	lines := joinLines(
		section("Run: "+run.ID),
		kv("Target", run.Target),
		kv("Status", run.Status),
		kv("Result", passFail(run.Passed)),
		optional("Tier", string(run.Tier)),
		kv("Duration", fmt.Sprintf("%.1fs", float64(run.DurationMs)/1000)),
		kv("Seed", run.Seed),
		optional("Error", run.ErrorMessage),
	)

	for _, s := range run.Suites {
		lines += "\n\n" + joinLines(
			fmt.Sprintf("### %s (%s) %s", s.Suite, s.Group, passFail(s.Passed)),
			kv("Operations", formatNumber(s.Operations)),
			kv("Errors", formatNumber(s.Errors)),
			kv("Error Rate", formatPct(s.ErrorRate)),
			kv("Ops/Second", fmt.Sprintf("%.2f", s.OpsPerSecond)),
		)
		for _, c := range s.Checks {
			lines += "\n" + fmt.Sprintf("  [%s] %s: %s", passFail(c.Passed), c.Name, c.Detail)
		}
		for _, n := range s.Notes {
			lines += "\n  - " + n
		}
	}
	return lines
}

// optional is kv that drops empty values.
func optional(key, value string) string {
	if value == "" {
		return ""
	}
	return kv(key, value)
}
