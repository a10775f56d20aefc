package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

// fleetctl is a thin ops client for the gateway HTTP API.

var (
	baseURL  = envOr("FLEETGATE_URL", "http://localhost:8080")
	password = os.Getenv("FLEETGATE_PASSWORD")
	client   = &http.Client{Timeout: 30 * time.Second}
)

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
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

func usage() {
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, `  fleetctl create --mission "m1" --verb "SUMMARIZE" [--id "..."] [--deps "a,b"]`)
	fmt.Fprintln(os.Stderr, `  fleetctl status --id "..."`)
	fmt.Fprintln(os.Stderr, `  fleetctl update --id "..." --status "COMPLETED" [--detail "..."]`)
	fmt.Fprintln(os.Stderr, `  fleetctl message --id "..." --text "..."`)
	fmt.Fprintln(os.Stderr, `  fleetctl pause|resume|abort --mission "m1"`)
	fmt.Fprintln(os.Stderr, `  fleetctl save|load --mission "m1"`)
	fmt.Fprintln(os.Stderr, `  fleetctl stats --mission "m1"`)
	fmt.Fprintln(os.Stderr, "  fleetctl pools")
	fmt.Fprintln(os.Stderr, "  fleetctl agents")
	os.Exit(1)
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

func call(method, path string, body any) []byte {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			fatal("marshal request: %v", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, baseURL+path, reader)
	if err != nil {
		fatal("build request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if password != "" {
		req.SetBasicAuth("fleetctl", password)
	}

	resp, err := client.Do(req)
	if err != nil {
		fatal("%v", err)
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			fatal("%s (status %d)", e.Error, resp.StatusCode)
		}
		fatal("status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	return data
}

func printJSON(data []byte) {
	var buf bytes.Buffer
	if err := json.Indent(&buf, data, "", "  "); err != nil {
		fmt.Println(string(data))
		return
	}
	fmt.Println(buf.String())
}

func main() {
	if len(os.Args) < 2 {
		usage()
	}

	command := os.Args[1]
	args := parseArgs(os.Args[2:])

	switch command {
	case "create":
		if args["mission"] == "" || args["verb"] == "" {
			fatal("--mission and --verb are required")
		}
		req := map[string]any{
			"missionId":  args["mission"],
			"actionVerb": args["verb"],
		}
		if args["id"] != "" {
			req["agentId"] = args["id"]
		}
		if args["deps"] != "" {
			req["dependencies"] = strings.Split(args["deps"], ",")
		}
		printJSON(call(http.MethodPost, "/api/agents", req))

	case "status":
		if args["id"] == "" {
			fatal("--id is required")
		}
		printJSON(call(http.MethodGet, "/api/agents/"+args["id"]+"/status", nil))

	case "update":
		if args["id"] == "" || args["status"] == "" {
			fatal("--id and --status are required")
		}
		printJSON(call(http.MethodPost, "/api/agents/"+args["id"]+"/status", map[string]string{
			"status": args["status"],
			"detail": args["detail"],
		}))

	case "message":
		if args["id"] == "" || args["text"] == "" {
			fatal("--id and --text are required")
		}
		printJSON(call(http.MethodPost, "/api/agents/"+args["id"]+"/message", map[string]string{
			"text": args["text"],
		}))

	case "pause", "resume", "abort", "save", "load":
		if args["mission"] == "" {
			fatal("--mission is required")
		}
		printJSON(call(http.MethodPost, "/api/missions/"+args["mission"]+"/"+command, map[string]string{}))

	case "stats":
		if args["mission"] == "" {
			fatal("--mission is required")
		}
		printJSON(call(http.MethodGet, "/api/missions/"+args["mission"]+"/statistics", nil))

	case "pools":
		printJSON(call(http.MethodGet, "/api/pools", nil))

	case "agents":
		printJSON(call(http.MethodGet, "/api/agents", nil))

	default:
		usage()
	}
}
