package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/msageha/toolgate/internal/gateway"
	"github.com/msageha/toolgate/internal/model"
	"github.com/msageha/toolgate/internal/rpc"
	"github.com/msageha/toolgate/internal/setup"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "daemon":
		runDaemon(os.Args[2:])
	case "setup":
		runSetup(os.Args[2:])
	case "list":
		runList(os.Args[2:])
	case "invoke":
		runInvoke(os.Args[2:])
	case "confirm":
		runConfirm(os.Args[2:])
	case "lens":
		runLens(os.Args[2:])
	case "task":
		runTask(os.Args[2:])
	case "shutdown":
		runShutdown(os.Args[2:])
	case "version":
		fmt.Printf("toolgate %s\n", gateway.Version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func runDaemon(_ []string) {
	gatewayDir := findGatewayDir()
	if gatewayDir == "" {
		fmt.Fprintln(os.Stderr, "error: .toolgate/ directory not found. Run 'toolgate setup <dir>' first.")
		os.Exit(1)
	}

	cfg, err := loadConfig(gatewayDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	d, err := gateway.New(gatewayDir, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create daemon: %v\n", err)
		os.Exit(1)
	}

	if err := d.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "daemon: %v\n", err)
		os.Exit(1)
	}
}

func runSetup(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: toolgate setup <project_dir> [--backend-url <url>]")
		os.Exit(1)
	}
	dir := args[0]
	backendURL := ""
	for i := 1; i < len(args); i++ {
		switch args[i] {
		case "--backend-url":
			backendURL = requireValue(args, &i, "--backend-url")
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: toolgate setup <project_dir> [--backend-url <url>]\n", args[i])
			os.Exit(1)
		}
	}

	if err := setup.Run(dir, backendURL); err != nil {
		fmt.Fprintf(os.Stderr, "setup: %v\n", err)
		os.Exit(1)
	}
	absDir, _ := filepath.Abs(dir)
	fmt.Printf("Initialized .toolgate/ in %s\n", absDir)
}

func runList(args []string) {
	for _, a := range args {
		fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: toolgate list\n", a)
		os.Exit(1)
	}
	sendCommand("list_capabilities", map[string]any{}, 0)
}

func runInvoke(args []string) {
	var tool, workspace, payload, token, clientID string
	var receipts []map[string]string

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--tool":
			tool = requireValue(args, &i, "--tool")
		case "--workspace":
			workspace = requireValue(args, &i, "--workspace")
		case "--payload":
			payload = requireValue(args, &i, "--payload")
		case "--confirm-token":
			token = requireValue(args, &i, "--confirm-token")
		case "--client-id":
			clientID = requireValue(args, &i, "--client-id")
		case "--receipt":
			// step:digest[:issued_at]
			v := requireValue(args, &i, "--receipt")
			parts := strings.SplitN(v, ":", 3)
			if len(parts) < 2 {
				fmt.Fprintln(os.Stderr, "--receipt wants step:digest[:issued_at]")
				os.Exit(1)
			}
			r := map[string]string{"step": parts[0], "digest": parts[1]}
			if len(parts) == 3 {
				r["issued_at"] = parts[2]
			}
			receipts = append(receipts, r)
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: toolgate invoke --tool <name> --workspace <key> [--payload <json>] [--confirm-token <token>] [--receipt step:digest]...\n", args[i])
			os.Exit(1)
		}
	}

	if tool == "" || workspace == "" {
		fmt.Fprintln(os.Stderr, "usage: toolgate invoke --tool <name> --workspace <key> [options]")
		os.Exit(1)
	}

	params := map[string]any{
		"tool_name":     tool,
		"workspace_key": workspace,
	}
	if payload != "" {
		if !json.Valid([]byte(payload)) {
			fmt.Fprintln(os.Stderr, "--payload must be valid JSON")
			os.Exit(1)
		}
		params["payload"] = json.RawMessage(payload)
	}
	if token != "" {
		params["confirm_token"] = token
	}
	if clientID != "" {
		params["client_id"] = clientID
	}
	if len(receipts) > 0 {
		params["receipts"] = receipts
	}

	sendCommand("invoke", params, 0)
}

func runConfirm(args []string) {
	var tool, workspace, preview string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--tool":
			tool = requireValue(args, &i, "--tool")
		case "--workspace":
			workspace = requireValue(args, &i, "--workspace")
		case "--preview":
			preview = requireValue(args, &i, "--preview")
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: toolgate confirm --tool <name> --workspace <key> [--preview <text>]\n", args[i])
			os.Exit(1)
		}
	}
	if tool == "" || workspace == "" {
		fmt.Fprintln(os.Stderr, "usage: toolgate confirm --tool <name> --workspace <key> [--preview <text>]")
		os.Exit(1)
	}

	sendCommand("confirm_request", map[string]any{
		"tool_name":     tool,
		"workspace_key": workspace,
		"preview":       preview,
	}, 0)
}

func runLens(args []string) {
	var workspace string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--workspace":
			workspace = requireValue(args, &i, "--workspace")
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: toolgate lens --workspace <key>\n", args[i])
			os.Exit(1)
		}
	}
	if workspace == "" {
		fmt.Fprintln(os.Stderr, "usage: toolgate lens --workspace <key>")
		os.Exit(1)
	}

	sendCommand("lens_resolve", map[string]any{"workspace_key": workspace}, 0)
}

func runTask(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: toolgate task <enqueue|next|ack|progress|result|inflight> [options]")
		os.Exit(1)
	}
	switch args[0] {
	case "enqueue":
		runTaskEnqueue(args[1:])
	case "next":
		runTaskNext(args[1:])
	case "ack":
		runTaskAck(args[1:])
	case "progress":
		runTaskProgress(args[1:])
	case "result":
		runTaskResult(args[1:])
	case "inflight":
		runTaskInflight(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown task subcommand: %s\n", args[0])
		fmt.Fprintln(os.Stderr, "usage: toolgate task <enqueue|next|ack|progress|result|inflight> [options]")
		os.Exit(1)
	}
}

func runTaskEnqueue(args []string) {
	var executionID, workspaceID, capability, payload string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--execution-id":
			executionID = requireValue(args, &i, "--execution-id")
		case "--workspace-id":
			workspaceID = requireValue(args, &i, "--workspace-id")
		case "--capability":
			capability = requireValue(args, &i, "--capability")
		case "--payload":
			payload = requireValue(args, &i, "--payload")
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: toolgate task enqueue --workspace-id <id> --capability <pack.action> [--execution-id <id>] [--payload <json>]\n", args[i])
			os.Exit(1)
		}
	}
	if workspaceID == "" || capability == "" {
		fmt.Fprintln(os.Stderr, "usage: toolgate task enqueue --workspace-id <id> --capability <pack.action> [options]")
		os.Exit(1)
	}

	params := map[string]any{
		"workspace_id": workspaceID,
		"capability":   capability,
	}
	if executionID != "" {
		params["execution_id"] = executionID
	}
	if payload != "" {
		if !json.Valid([]byte(payload)) {
			fmt.Fprintln(os.Stderr, "--payload must be valid JSON")
			os.Exit(1)
		}
		params["payload"] = json.RawMessage(payload)
	}

	sendCommand("task_enqueue", params, 0)
}

func runTaskNext(args []string) {
	var clientID, workspaceID string
	var limit, leaseSeconds, waitSeconds int
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--client-id":
			clientID = requireValue(args, &i, "--client-id")
		case "--workspace-id":
			workspaceID = requireValue(args, &i, "--workspace-id")
		case "--limit":
			limit = requireIntValue(args, &i, "--limit")
		case "--lease-seconds":
			leaseSeconds = requireIntValue(args, &i, "--lease-seconds")
		case "--wait-seconds":
			waitSeconds = requireIntValue(args, &i, "--wait-seconds")
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: toolgate task next --client-id <id> [--workspace-id <id>] [--limit <n>] [--lease-seconds <n>] [--wait-seconds <n>]\n", args[i])
			os.Exit(1)
		}
	}
	if clientID == "" {
		fmt.Fprintln(os.Stderr, "usage: toolgate task next --client-id <id> [options]")
		os.Exit(1)
	}

	// The round-trip timeout must outlast the server-side long poll.
	sendCommand("task_next", map[string]any{
		"client_id":     clientID,
		"workspace_id":  workspaceID,
		"limit":         limit,
		"lease_seconds": leaseSeconds,
		"wait_seconds":  waitSeconds,
	}, time.Duration(waitSeconds+30)*time.Second)
}

func runTaskAck(args []string) {
	executionID, leaseID, clientID := leaseFlags(args, "ack", nil, nil)
	sendCommand("task_ack", map[string]any{
		"execution_id": executionID,
		"lease_id":     leaseID,
		"client_id":    clientID,
	}, 0)
}

func runTaskProgress(args []string) {
	var pct *int
	var message string
	executionID, leaseID, clientID := leaseFlags(args, "progress", map[string]func(v string){
		"--message": func(v string) { message = v },
	}, map[string]func(v int){
		"--pct": func(v int) { n := v; pct = &n },
	})

	params := map[string]any{
		"execution_id": executionID,
		"lease_id":     leaseID,
		"client_id":    clientID,
		"message":      message,
	}
	if pct != nil {
		params["pct"] = *pct
	}
	sendCommand("task_progress", params, 0)
}

func runTaskResult(args []string) {
	var status, output, resultJSON string
	executionID, leaseID, clientID := leaseFlags(args, "result", map[string]func(v string){
		"--status":      func(v string) { status = v },
		"--output":      func(v string) { output = v },
		"--result-json": func(v string) { resultJSON = v },
	}, nil)

	if status != "completed" && status != "failed" {
		fmt.Fprintln(os.Stderr, "--status must be completed or failed")
		os.Exit(1)
	}

	params := map[string]any{
		"execution_id": executionID,
		"lease_id":     leaseID,
		"client_id":    clientID,
		"status":       status,
		"output":       output,
	}
	if resultJSON != "" {
		if !json.Valid([]byte(resultJSON)) {
			fmt.Fprintln(os.Stderr, "--result-json must be valid JSON")
			os.Exit(1)
		}
		params["result_json"] = json.RawMessage(resultJSON)
	}
	sendCommand("task_result", params, 0)
}

func runTaskInflight(args []string) {
	var clientID string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--client-id":
			clientID = requireValue(args, &i, "--client-id")
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: toolgate task inflight --client-id <id>\n", args[i])
			os.Exit(1)
		}
	}
	if clientID == "" {
		fmt.Fprintln(os.Stderr, "usage: toolgate task inflight --client-id <id>")
		os.Exit(1)
	}

	sendCommand("task_inflight", map[string]any{"client_id": clientID}, 0)
}

func runShutdown(_ []string) {
	sendCommand("shutdown", map[string]any{}, 0)
}

// leaseFlags parses the flag triple shared by ack/progress/result, plus any
// subcommand-specific string or int flags.
func leaseFlags(args []string, sub string, extraStr map[string]func(string), extraInt map[string]func(int)) (string, string, string) {
	var executionID, leaseID, clientID string
	for i := 0; i < len(args); i++ {
		if fn, ok := extraStr[args[i]]; ok {
			fn(requireValue(args, &i, args[i]))
			continue
		}
		if fn, ok := extraInt[args[i]]; ok {
			fn(requireIntValue(args, &i, args[i]))
			continue
		}
		switch args[i] {
		case "--execution-id":
			executionID = requireValue(args, &i, "--execution-id")
		case "--lease-id":
			leaseID = requireValue(args, &i, "--lease-id")
		case "--client-id":
			clientID = requireValue(args, &i, "--client-id")
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: toolgate task %s --execution-id <id> --lease-id <id> --client-id <id> [options]\n", args[i], sub)
			os.Exit(1)
		}
	}
	if executionID == "" || leaseID == "" || clientID == "" {
		fmt.Fprintf(os.Stderr, "usage: toolgate task %s --execution-id <id> --lease-id <id> --client-id <id> [options]\n", sub)
		os.Exit(1)
	}
	return executionID, leaseID, clientID
}

func requireValue(args []string, i *int, flag string) string {
	if *i+1 >= len(args) {
		fmt.Fprintf(os.Stderr, "%s requires a value\n", flag)
		os.Exit(1)
	}
	*i++
	return args[*i]
}

func requireIntValue(args []string, i *int, flag string) int {
	v := requireValue(args, i, flag)
	n, err := strconv.Atoi(v)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s requires an integer, got %q\n", flag, v)
		os.Exit(1)
	}
	return n
}

func sendCommand(command string, params map[string]any, timeout time.Duration) {
	gatewayDir := findGatewayDir()
	if gatewayDir == "" {
		fmt.Fprintln(os.Stderr, "error: .toolgate/ directory not found. Run 'toolgate setup <dir>' first.")
		os.Exit(1)
	}

	client := rpc.NewClient(filepath.Join(gatewayDir, rpc.DefaultSocketName))
	if timeout > 0 {
		client.SetTimeout(timeout)
	}

	resp, err := client.SendCommand(command, params)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", command, err)
		os.Exit(1)
	}

	if !resp.Success {
		code := ""
		msg := "unknown error"
		if resp.Error != nil {
			code = resp.Error.Code
			msg = resp.Error.Message
		}
		fmt.Fprintf(os.Stderr, "%s failed [%s]: %s\n", command, code, msg)
		os.Exit(1)
	}

	out, _ := json.MarshalIndent(json.RawMessage(resp.Data), "", "  ")
	fmt.Println(string(out))
}

// findGatewayDir searches for .toolgate/ in the current directory and ancestors.
func findGatewayDir() string {
	if env := os.Getenv("TOOLGATE_DIR"); env != "" {
		return env
	}
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		candidate := filepath.Join(dir, ".toolgate")
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

func loadConfig(gatewayDir string) (model.Config, error) {
	data, err := os.ReadFile(filepath.Join(gatewayDir, "config.yaml"))
	if err != nil {
		return model.Config{}, fmt.Errorf("read config.yaml: %w", err)
	}
	var cfg model.Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return model.Config{}, fmt.Errorf("parse config.yaml: %w", err)
	}
	return cfg, nil
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `toolgate %s — Tool governance and task dispatch gateway

Usage: toolgate <command> [options]

Gateway:
  setup <dir> [--backend-url <url>]  Initialize .toolgate/ directory
  daemon                             Run the gateway daemon
  shutdown                           Ask the daemon to stop

Agent commands (CLI → daemon):
  list                               List exposed tools
  invoke --tool <name> --workspace <key> [options]
  confirm --tool <name> --workspace <key> [--preview <text>]
  lens --workspace <key>             Fetch the workspace style profile

Task protocol:
  task enqueue --workspace-id <id> --capability <pack.action> [options]
  task next --client-id <id> [--wait-seconds <n>] [options]
  task ack --execution-id <id> --lease-id <id> --client-id <id>
  task progress ... [--pct <n>] [--message <text>]
  task result ... --status <completed|failed> [--output <text>] [--result-json <json>]
  task inflight --client-id <id>

Utilities:
  version                            Show version
  help                               Show this help

`, gateway.Version)
}
