// reelctl is the operator CLI for reel-api. It speaks to a running service
// over HTTP and maps the outcome onto exit codes so shell scripts and runbooks
// can branch on them.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/peterbourgon/ff/v3"
	"github.com/peterbourgon/ff/v3/ffcli"
	"github.com/reelgrab/reel-api/api"
	"github.com/reelgrab/reel-api/store"
)

// Exit codes are part of the scripting contract. Anything else is 1.
const (
	exitOK          = 0
	exitUsage       = 2
	exitNotFound    = 3
	exitConflict    = 4
	exitUnavailable = 5
)

type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string { return e.msg }

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	rootFlags := flag.NewFlagSet("reelctl", flag.ContinueOnError)
	rootFlags.SetOutput(stderr)
	var (
		apiURL      = rootFlags.String("api-url", "http://127.0.0.1:8989", "Base URL of the reel-api public listener")
		internalURL = rootFlags.String("internal-url", "http://127.0.0.1:7979", "Base URL of the reel-api internal listener, used by health")
		token       = rootFlags.String("token", "", "API token for authorized endpoints")
		timeout     = rootFlags.Duration("timeout", 10*time.Second, "HTTP request timeout")
	)

	newClient := func() *client {
		return &client{
			apiURL:      strings.TrimRight(*apiURL, "/"),
			internalURL: strings.TrimRight(*internalURL, "/"),
			token:       *token,
			http:        &http.Client{Timeout: *timeout},
		}
	}

	subFlags := func(name string) *flag.FlagSet {
		fs := flag.NewFlagSet("reelctl "+name, flag.ContinueOnError)
		fs.SetOutput(stderr)
		return fs
	}

	healthCmd := &ffcli.Command{
		Name:       "health",
		ShortUsage: "reelctl health",
		ShortHelp:  "Probe every backend and print one line per component",
		FlagSet:    subFlags("health"),
		Exec: func(ctx context.Context, args []string) error {
			if len(args) != 0 {
				return flag.ErrHelp
			}
			return newClient().health(ctx, stdout)
		},
	}

	retryCmd := &ffcli.Command{
		Name:       "retry",
		ShortUsage: "reelctl retry <job-id>",
		ShortHelp:  "Requeue a failed job",
		FlagSet:    subFlags("retry"),
		Exec: func(ctx context.Context, args []string) error {
			if len(args) != 1 {
				return flag.ErrHelp
			}
			return newClient().jobAction(ctx, args[0], "retry", stdout)
		},
	}

	cancelCmd := &ffcli.Command{
		Name:       "cancel",
		ShortUsage: "reelctl cancel <job-id>",
		ShortHelp:  "Cancel a queued or running job",
		FlagSet:    subFlags("cancel"),
		Exec: func(ctx context.Context, args []string) error {
			if len(args) != 1 {
				return flag.ErrHelp
			}
			return newClient().jobAction(ctx, args[0], "cancel", stdout)
		},
	}

	root := &ffcli.Command{
		Name:        "reelctl",
		ShortUsage:  "reelctl [flags] <subcommand>",
		ShortHelp:   "Operate a running reel-api service",
		FlagSet:     rootFlags,
		Options:     []ff.Option{ff.WithEnvVarPrefix("REELCTL")},
		Subcommands: []*ffcli.Command{healthCmd, retryCmd, cancelCmd},
		Exec: func(_ context.Context, args []string) error {
			if len(args) > 0 {
				return &exitError{exitUsage, fmt.Sprintf("unknown subcommand %q", args[0])}
			}
			return flag.ErrHelp
		},
	}

	if err := root.Parse(args); err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			fmt.Fprintf(stderr, "reelctl: %s\n", err)
		}
		return exitUsage
	}

	err := root.Run(context.Background())
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, flag.ErrHelp):
		// ffcli already printed the usage text.
		return exitUsage
	}
	fmt.Fprintf(stderr, "reelctl: %s\n", err)
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return 1
}

type client struct {
	apiURL      string
	internalURL string
	token       string
	http        *http.Client
}

// health fetches /healthz from the internal listener and prints a line per
// component. The HTTP status is ignored in favor of the per-component body so
// a partial outage still prints what is known.
func (c *client) health(ctx context.Context, w io.Writer) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.internalURL+"/healthz", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return &exitError{exitUnavailable, fmt.Sprintf("reel-api unreachable: %s", err)}
	}
	defer resp.Body.Close()

	var health api.HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return &exitError{exitUnavailable, fmt.Sprintf("bad healthz response: %s", err)}
	}

	names := make([]string, 0, len(health.Components))
	for name := range health.Components {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		component := health.Components[name]
		if component.Healthy {
			fmt.Fprintf(w, "%-12s ok\n", name)
			continue
		}
		fmt.Fprintf(w, "%-12s FAIL %s\n", name, component.Error)
	}
	fmt.Fprintf(w, "%-12s %s\n", "version", health.Version)

	if !health.Healthy {
		return &exitError{exitUnavailable, "one or more components are unhealthy"}
	}
	return nil
}

// jobAction POSTs /api/jobs/<id>/<action> and prints the resulting status.
func (c *client) jobAction(ctx context.Context, jobID, action string, w io.Writer) error {
	endpoint := fmt.Sprintf("%s/api/jobs/%s/%s", c.apiURL, url.PathEscape(jobID), action)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return &exitError{exitUnavailable, fmt.Sprintf("reel-api unreachable: %s", err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &exitError{exitUnavailable, fmt.Sprintf("reading response: %s", err)}
	}
	if resp.StatusCode != http.StatusOK {
		return httpError(resp.StatusCode, body)
	}

	var job store.Job
	if err := json.Unmarshal(body, &job); err != nil {
		return fmt.Errorf("bad response from reel-api: %w", err)
	}
	fmt.Fprintf(w, "job %s is now %s\n", job.ID, job.Status)
	return nil
}

// httpError maps an API error response onto the exit code contract.
func httpError(status int, body []byte) error {
	msg := strings.TrimSpace(string(body))
	var payload struct {
		Error  string `json:"error"`
		Detail string `json:"error_detail"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Error != "" {
		msg = payload.Error
		if payload.Detail != "" {
			msg = payload.Error + ": " + payload.Detail
		}
	}
	switch status {
	case http.StatusNotFound:
		return &exitError{exitNotFound, msg}
	case http.StatusConflict:
		return &exitError{exitConflict, msg}
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusUnprocessableEntity:
		return &exitError{exitUsage, msg}
	default:
		return &exitError{exitUnavailable, msg}
	}
}
