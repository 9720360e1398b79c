package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

type ipcRequest struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload,omitempty"`
}

type ipcResponse struct {
	OK      bool         `json:"ok,omitempty"`
	Error   string       `json:"error,omitempty"`
	ID      string       `json:"id,omitempty"`
	Status  string       `json:"status,omitempty"`
	Runs    []runInfo    `json:"runs,omitempty"`
	Run     *runInfo     `json:"run,omitempty"`
	Results []resultInfo `json:"results,omitempty"`
	Stats   *graphStats  `json:"stats,omitempty"`
}

type runInfo struct {
	ID         string    `json:"id"`
	Pipeline   string    `json:"pipeline"`
	Status     string    `json:"status"`
	OutputRoot string    `json:"output_root,omitempty"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
}

type resultInfo struct {
	Agent  string `json:"agent"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

type graphStats struct {
	Nodes int            `json:"nodes"`
	Edges int            `json:"edges"`
	Kinds map[string]int `json:"kinds"`
}

func sendIPC(natsURL, service, reqType string, payload map[string]any) (*ipcResponse, error) {
	conn, err := nats.Connect(natsURL)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	defer conn.Close()

	topic := fmt.Sprintf("host.ipc.%s", service)
	data, err := json.Marshal(ipcRequest{Type: reqType, Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	msg, err := conn.Request(topic, data, 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("ipc request: %w", err)
	}

	var resp ipcResponse
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	return &resp, nil
}

func parseArgs(args []string) map[string]string {
	result := make(map[string]string)
	for i := 0; i < len(args); i++ {
		if len(args[i]) > 2 && args[i][:2] == "--" && i+1 < len(args) {
			result[args[i][2:]] = args[i+1]
			i++
		}
	}
	return result
}

// parseInputs collects repeated --input key=value pairs.
func parseInputs(args []string) map[string]any {
	result := make(map[string]any)
	for i := 0; i+1 < len(args); i++ {
		if args[i] != "--input" {
			continue
		}
		key, value, ok := strings.Cut(args[i+1], "=")
		if ok && key != "" {
			result[key] = value
		}
		i++
	}
	return result
}

func usage() {
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, "  krun start [--input key=value ...]")
	fmt.Fprintln(os.Stderr, "  krun list [--limit n]")
	fmt.Fprintln(os.Stderr, `  krun status --id "..."`)
	fmt.Fprintln(os.Stderr, "  krun graph")
	os.Exit(1)
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

func main() {
	natsURL := os.Getenv("NATS_URL")
	if natsURL == "" {
		natsURL = "nats://localhost:4222"
	}
	service := os.Getenv("KLONOS_SERVICE")
	if service == "" {
		service = "klonos"
	}

	if len(os.Args) < 2 {
		usage()
	}

	command := os.Args[1]
	rest := os.Args[2:]

	switch command {
	case "start":
		payload := map[string]any{}
		if inputs := parseInputs(rest); len(inputs) > 0 {
			payload["initial"] = inputs
		}
		resp, err := sendIPC(natsURL, service, "run.start", payload)
		if err != nil {
			fatal("%v", err)
		}
		if resp.Error != "" {
			fatal("%s", resp.Error)
		}
		fmt.Printf("Run started: %s\n", resp.ID)

	case "list":
		args := parseArgs(rest)
		payload := map[string]any{}
		if args["limit"] != "" {
			limit, err := strconv.Atoi(args["limit"])
			if err != nil {
				fatal("invalid --limit: %v", err)
			}
			payload["limit"] = limit
		}
		resp, err := sendIPC(natsURL, service, "run.list", payload)
		if err != nil {
			fatal("%v", err)
		}
		if resp.Error != "" {
			fatal("%s", resp.Error)
		}
		if len(resp.Runs) == 0 {
			fmt.Println("No runs found.")
		} else {
			for _, r := range resp.Runs {
				fmt.Printf("  %s  %-9s  %s  %s\n", r.ID, r.Status, r.Pipeline, r.StartedAt.Format(time.RFC3339))
			}
		}

	case "status":
		args := parseArgs(rest)
		if args["id"] == "" {
			fatal("--id is required")
		}
		resp, err := sendIPC(natsURL, service, "run.status", map[string]any{"id": args["id"]})
		if err != nil {
			fatal("%v", err)
		}
		if resp.Error != "" {
			fatal("%s", resp.Error)
		}
		fmt.Printf("Run %s  %s  %s\n", resp.Run.ID, resp.Run.Status, resp.Run.StartedAt.Format(time.RFC3339))
		if resp.Run.Error != "" {
			fmt.Printf("  error: %s\n", resp.Run.Error)
		}
		for _, res := range resp.Results {
			line := fmt.Sprintf("  %s: %s", res.Agent, res.Status)
			if res.Error != "" {
				line += "  (" + res.Error + ")"
			}
			fmt.Println(line)
		}
		if resp.Run.OutputRoot != "" {
			fmt.Printf("  output: %s\n", resp.Run.OutputRoot)
		}

	case "graph":
		resp, err := sendIPC(natsURL, service, "graph.stats", map[string]any{})
		if err != nil {
			fatal("%v", err)
		}
		if resp.Error != "" {
			fatal("%s", resp.Error)
		}
		fmt.Printf("nodes: %d\nedges: %d\n", resp.Stats.Nodes, resp.Stats.Edges)
		kinds := make([]string, 0, len(resp.Stats.Kinds))
		for k := range resp.Stats.Kinds {
			kinds = append(kinds, k)
		}
		sort.Strings(kinds)
		for _, k := range kinds {
			fmt.Printf("  %s: %d\n", k, resp.Stats.Kinds[k])
		}

	default:
		fatal("unknown command: %s", command)
	}
}
