package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]

	switch command {
	case "get":
		getCmd()
	case "set":
		setCmd()
	case "del":
		delCmd()
	case "mget":
		mgetCmd()
	case "stats":
		statsCmd()
	case "snapshot":
		snapshotCmd()
	case "keyslot":
		keyslotCmd()
	case "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`Zumic CLI - Persistent Key-Value Store

Usage:
  zumic-cli <command> [options]

Commands:
  get         Read a key
  set         Write a key
  del         Delete a key
  mget        Read several keys at once
  stats       Show store statistics
  snapshot    Force a snapshot
  keyslot     Show the cluster slot for a key
  help        Show this help

Examples:
  zumic-cli set -key greeting -value "Hello, World!"
  zumic-cli set -key counter -type int -value 42 -ttl 30s
  zumic-cli get -key greeting
  zumic-cli mget greeting counter
  zumic-cli keyslot -key "{user1000}.following"`)
}

type client struct {
	base string
	http *http.Client
}

func newClient(addr string) *client {
	return &client{
		base: "http://" + addr,
		http: &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *client) do(method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(buf)
	}
	req, err := http.NewRequest(method, c.base+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		var e struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&e) == nil && e.Error != "" {
			return fmt.Errorf("%s: %s", resp.Status, e.Error)
		}
		return fmt.Errorf("%s", resp.Status)
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}

func getCmd() {
	fs := flag.NewFlagSet("get", flag.ExitOnError)
	addr := fs.String("addr", "localhost:7878", "Server address")
	key := fs.String("key", "", "Key (required)")
	fs.Parse(os.Args[2:])

	if *key == "" {
		fmt.Fprintln(os.Stderr, "Error: -key is required")
		os.Exit(1)
	}

	c := newClient(*addr)
	var out json.RawMessage
	if err := c.do(http.MethodGet, "/v1/keys/"+url.PathEscape(*key), nil, &out); err != nil {
		fatal(err)
	}
	printJSON(out)
}

func setCmd() {
	fs := flag.NewFlagSet("set", flag.ExitOnError)
	addr := fs.String("addr", "localhost:7878", "Server address")
	key := fs.String("key", "", "Key (required)")
	value := fs.String("value", "", "Value")
	typ := fs.String("type", "str", "Value type: str, int, float, bool, null")
	ttl := fs.Duration("ttl", 0, "Expiry, e.g. 30s (0 for none)")
	fs.Parse(os.Args[2:])

	if *key == "" {
		fmt.Fprintln(os.Stderr, "Error: -key is required")
		os.Exit(1)
	}

	body, err := wireValue(*typ, *value)
	if err != nil {
		fatal(err)
	}

	path := "/v1/keys/" + url.PathEscape(*key)
	if *ttl > 0 {
		path += "?ttl=" + url.QueryEscape(ttl.String())
	}

	c := newClient(*addr)
	if err := c.do(http.MethodPut, path, body, nil); err != nil {
		fatal(err)
	}
	fmt.Printf("OK %s\n", *key)
}

// wireValue builds the typed JSON body the server expects.
func wireValue(typ, raw string) (map[string]any, error) {
	switch typ {
	case "str":
		return map[string]any{"type": "str", "value": raw}, nil
	case "int":
		var i int64
		if err := json.Unmarshal([]byte(raw), &i); err != nil {
			return nil, fmt.Errorf("value %q is not an int", raw)
		}
		return map[string]any{"type": "int", "value": i}, nil
	case "float":
		var f float64
		if err := json.Unmarshal([]byte(raw), &f); err != nil {
			return nil, fmt.Errorf("value %q is not a float", raw)
		}
		return map[string]any{"type": "float", "value": f}, nil
	case "bool":
		var b bool
		if err := json.Unmarshal([]byte(raw), &b); err != nil {
			return nil, fmt.Errorf("value %q is not a bool", raw)
		}
		return map[string]any{"type": "bool", "value": b}, nil
	case "null":
		return map[string]any{"type": "null"}, nil
	}
	return nil, fmt.Errorf("unknown value type %q", typ)
}

func delCmd() {
	fs := flag.NewFlagSet("del", flag.ExitOnError)
	addr := fs.String("addr", "localhost:7878", "Server address")
	key := fs.String("key", "", "Key (required)")
	fs.Parse(os.Args[2:])

	if *key == "" {
		fmt.Fprintln(os.Stderr, "Error: -key is required")
		os.Exit(1)
	}

	c := newClient(*addr)
	var out struct {
		Deleted bool `json:"deleted"`
	}
	if err := c.do(http.MethodDelete, "/v1/keys/"+url.PathEscape(*key), nil, &out); err != nil {
		fatal(err)
	}
	if out.Deleted {
		fmt.Printf("Deleted %s\n", *key)
	} else {
		fmt.Printf("%s did not exist\n", *key)
	}
}

func mgetCmd() {
	fs := flag.NewFlagSet("mget", flag.ExitOnError)
	addr := fs.String("addr", "localhost:7878", "Server address")
	fs.Parse(os.Args[2:])

	keys := fs.Args()
	if len(keys) == 0 {
		fmt.Fprintln(os.Stderr, "Error: at least one key is required")
		os.Exit(1)
	}

	c := newClient(*addr)
	var out map[string]json.RawMessage
	if err := c.do(http.MethodPost, "/v1/mget", keys, &out); err != nil {
		fatal(err)
	}
	for _, k := range keys {
		v := out[k]
		if len(v) == 0 || string(v) == "null" {
			fmt.Printf("%s\t(nil)\n", k)
			continue
		}
		fmt.Printf("%s\t%s\n", k, v)
	}
}

func statsCmd() {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	addr := fs.String("addr", "localhost:7878", "Server address")
	fs.Parse(os.Args[2:])

	c := newClient(*addr)
	var out json.RawMessage
	if err := c.do(http.MethodGet, "/v1/stats", nil, &out); err != nil {
		fatal(err)
	}
	printJSON(out)
}

func snapshotCmd() {
	fs := flag.NewFlagSet("snapshot", flag.ExitOnError)
	addr := fs.String("addr", "localhost:7878", "Server address")
	fs.Parse(os.Args[2:])

	c := newClient(*addr)
	var out struct {
		Snapshots []string `json:"snapshots"`
	}
	if err := c.do(http.MethodPost, "/v1/snapshot", nil, &out); err != nil {
		fatal(err)
	}
	fmt.Printf("Snapshot complete, %d retained:\n", len(out.Snapshots))
	for _, s := range out.Snapshots {
		fmt.Printf("  %s\n", s)
	}
}

func keyslotCmd() {
	fs := flag.NewFlagSet("keyslot", flag.ExitOnError)
	addr := fs.String("addr", "localhost:7878", "Server address")
	key := fs.String("key", "", "Key (required)")
	fs.Parse(os.Args[2:])

	if *key == "" {
		fmt.Fprintln(os.Stderr, "Error: -key is required")
		os.Exit(1)
	}

	c := newClient(*addr)
	var out json.RawMessage
	if err := c.do(http.MethodGet, "/v1/cluster/keyslot?key="+url.QueryEscape(*key), nil, &out); err != nil {
		fatal(err)
	}
	printJSON(out)
}

func printJSON(raw json.RawMessage) {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		fmt.Println(string(raw))
		return
	}
	fmt.Println(buf.String())
}
