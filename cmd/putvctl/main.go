// Command putvctl is a JSON-RPC 2.0 client for putvd: it sends one
// request per invocation over the daemon's Unix-domain control socket
// and prints the response, per spec.md §6 and SPEC_FULL.md's "secondary
// client binary" entry.
package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/spf13/pflag"
)

func main() {
	socketPath := pflag.String("control-socket", "/tmp/putvd.sock", "Unix-domain socket putvd is listening on.")
	timeout := pflag.Duration("timeout", 5*time.Second, "How long to wait for a response.")
	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "putvctl - control a running putvd daemon.\n\n")
		fmt.Fprintf(os.Stderr, "Usage: putvctl [options] <method> [key=value ...]\n\n")
		fmt.Fprintf(os.Stderr, "Methods: play pause stop next status capabilities options volume\n")
		fmt.Fprintf(os.Stderr, "         setnext list info filter append remove change getposition\n\n")
		pflag.PrintDefaults()
	}
	pflag.Parse()

	args := pflag.Args()
	if len(args) < 1 {
		pflag.Usage()
		os.Exit(2)
	}
	method := args[0]
	params := parseParams(args[1:])

	conn, err := net.DialTimeout("unix", *socketPath, *timeout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "putvctl: connect %s: %v\n", *socketPath, err)
		os.Exit(1)
	}
	defer conn.Close()

	req := map[string]any{"jsonrpc": "2.0", "method": method, "id": 1}
	if len(params) > 0 {
		req["params"] = params
	}
	raw, err := json.Marshal(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "putvctl: encode request: %v\n", err)
		os.Exit(1)
	}
	raw = append(raw, '\n')

	conn.SetDeadline(time.Now().Add(*timeout))
	if _, err := conn.Write(raw); err != nil {
		fmt.Fprintf(os.Stderr, "putvctl: write: %v\n", err)
		os.Exit(1)
	}

	reader := bufio.NewReader(conn)
	line, err := reader.ReadBytes('\n')
	if err != nil {
		fmt.Fprintf(os.Stderr, "putvctl: read response: %v\n", err)
		os.Exit(1)
	}

	var resp struct {
		Result any `json:"result"`
		Error  *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(line, &resp); err != nil {
		fmt.Fprintf(os.Stderr, "putvctl: malformed response: %v\n", err)
		os.Exit(1)
	}
	if resp.Error != nil {
		fmt.Fprintf(os.Stderr, "putvctl: %s (code %d)\n", resp.Error.Message, resp.Error.Code)
		os.Exit(1)
	}

	pretty, err := json.MarshalIndent(resp.Result, "", "  ")
	if err != nil {
		fmt.Println(resp.Result)
		return
	}
	fmt.Println(string(pretty))
}

// parseParams turns "key=value" command-line arguments into a JSON
// params object, coercing integers and booleans where they parse
// cleanly so numeric/boolean RPC fields (ids, percent, loop, random)
// don't arrive as strings.
func parseParams(args []string) map[string]any {
	if len(args) == 0 {
		return nil
	}
	out := map[string]any{}
	for _, a := range args {
		key, val, ok := splitKV(a)
		if !ok {
			continue
		}
		out[key] = coerce(val)
	}
	return out
}

func splitKV(s string) (string, string, bool) {
	for i := 0; i < len(s); i++ {
		if s[i] == '=' {
			return s[:i], s[i+1:], true
		}
	}
	return "", "", false
}

func coerce(s string) any {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	return s
}
