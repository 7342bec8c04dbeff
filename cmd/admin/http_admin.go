package main

import (
	"flag"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

func stateCmd(out io.Writer, args []string) error {
	fs := flag.NewFlagSet("state", flag.ContinueOnError)
	baseURL := fs.String("url", "http://127.0.0.1:8080", "server base url")
	if err := fs.Parse(args); err != nil {
		return usagef("%v", err)
	}
	return call(out, http.MethodGet, adminURL(*baseURL, "/admin/v1/state"), 5*time.Second)
}

func postCmd(out io.Writer, name, path string, args []string) error {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	baseURL := fs.String("url", "http://127.0.0.1:8080", "server base url")
	if err := fs.Parse(args); err != nil {
		return usagef("%v", err)
	}
	return call(out, http.MethodPost, adminURL(*baseURL, path), 10*time.Second)
}

// cauldronCmd runs the cauldron debug operations: reset or complete.
func cauldronCmd(out io.Writer, args []string) error {
	if len(args) == 0 {
		return usagef("cauldron needs an operation: reset|complete")
	}
	switch args[0] {
	case "reset", "complete":
		return postCmd(out, "cauldron "+args[0], "/admin/v1/cauldron/"+args[0], args[1:])
	default:
		return usagef("unknown cauldron operation %q (reset|complete)", args[0])
	}
}

func adminURL(base, path string) string {
	return strings.TrimRight(strings.TrimSpace(base), "/") + path
}

func call(out io.Writer, method, url string, timeout time.Duration) error {
	req, err := http.NewRequest(method, url, nil)
	if err != nil {
		return err
	}
	cl := &http.Client{Timeout: timeout}
	resp, err := cl.Do(req)
	if err != nil {
		return fmt.Errorf("request: %w", err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	fmt.Fprintln(out, strings.TrimSpace(string(b)))
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("%s %s: %s", method, url, resp.Status)
	}
	return nil
}
