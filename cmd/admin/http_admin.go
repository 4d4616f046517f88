package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

// adminBaseURL resolves the target server: the -url flag wins, then the
// TB_ADMIN_URL environment variable, then the local default.
func adminBaseURL(flagVal string) string {
	if v := strings.TrimSpace(flagVal); v != "" {
		return strings.TrimRight(v, "/")
	}
	if v := strings.TrimSpace(os.Getenv("TB_ADMIN_URL")); v != "" {
		return strings.TrimRight(v, "/")
	}
	return "http://127.0.0.1:8080"
}

// adminFetch hits one loopback admin endpoint and returns the body. Any
// transport failure or non-2xx reply prints what the server said and exits.
func adminFetch(method, base, path string, query url.Values, timeout time.Duration) []byte {
	u := base + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequest(method, u, nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, "request:", err)
		os.Exit(1)
	}
	cl := &http.Client{Timeout: timeout}
	resp, err := cl.Do(req)
	if err != nil {
		fmt.Fprintln(os.Stderr, "request:", err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode/100 != 2 {
		fmt.Fprintf(os.Stderr, "%s %s: %s\n%s\n", method, u, resp.Status, strings.TrimSpace(string(body)))
		os.Exit(1)
	}
	return body
}

func stateCmd(args []string) {
	fs := flag.NewFlagSet("state", flag.ExitOnError)
	baseURL := fs.String("url", "", "server base url (default $TB_ADMIN_URL or http://127.0.0.1:8080)")
	sessionID := fs.String("session", "", "print only this session's block")
	_ = fs.Parse(args)

	body := adminFetch(http.MethodGet, adminBaseURL(*baseURL), "/admin/v1/state", nil, 5*time.Second)

	if s := strings.TrimSpace(*sessionID); s != "" {
		var all map[string]json.RawMessage
		if err := json.Unmarshal(body, &all); err != nil {
			fmt.Fprintln(os.Stderr, "decode state:", err)
			os.Exit(1)
		}
		block, ok := all[s]
		if !ok {
			fmt.Fprintf(os.Stderr, "server has no session %q\n", s)
			os.Exit(1)
		}
		fmt.Println(string(block))
		return
	}
	fmt.Println(string(body))
}

func snapshotCmd(args []string) {
	fs := flag.NewFlagSet("snapshot", flag.ExitOnError)
	baseURL := fs.String("url", "", "server base url (default $TB_ADMIN_URL or http://127.0.0.1:8080)")
	sessionID := fs.String("session", "", "session id (optional; defaults to the server's default session)")
	_ = fs.Parse(args)

	q := url.Values{}
	if s := strings.TrimSpace(*sessionID); s != "" {
		q.Set("session", s)
	}
	body := adminFetch(http.MethodPost, adminBaseURL(*baseURL), "/admin/v1/snapshot", q, 10*time.Second)
	fmt.Println(string(body))
}
