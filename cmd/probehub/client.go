// ABOUTME: Commands that query a running hub over its HTTP API
// ABOUTME: Bearer tokens come from PROBEHUB_TOKEN or the token file saved next to the config

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"github.com/2389/probehub/internal/agent"
	"github.com/2389/probehub/internal/audit"
	"github.com/2389/probehub/internal/config"
)

const envToken = "PROBEHUB_TOKEN"

// tokenPath is where "token --save" stores a bearer token.
func tokenPath() string {
	return filepath.Join(filepath.Dir(config.Path()), "token")
}

// loadToken returns the bearer token for CLI requests, or "" when none is set.
func loadToken() string {
	if t := os.Getenv(envToken); t != "" {
		return strings.TrimSpace(t)
	}
	data, err := os.ReadFile(tokenPath())
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// hubClient issues authenticated GET requests against the hub's HTTP address.
type hubClient struct {
	baseURL string
	token   string
	http    *http.Client
}

func newHubClient() (*hubClient, error) {
	cfg, err := config.Load(config.Path())
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return &hubClient{
		baseURL: "http://" + cfg.Server.HTTPAddr,
		token:   loadToken(),
		http:    &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// get returns the status code and body of GET path.
func (c *hubClient) get(ctx context.Context, path string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return 0, nil, fmt.Errorf("creating request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("reading response: %w", err)
	}
	return resp.StatusCode, body, nil
}

// getJSON decodes a 200 response into out and turns anything else into an error.
func (c *hubClient) getJSON(ctx context.Context, path string, out any) error {
	code, body, err := c.get(ctx, path)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	if code != http.StatusOK {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s (status %d)", apiErr.Error, code)
		}
		return fmt.Errorf("unexpected status %d: %s", code, strings.TrimSpace(string(body)))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func runHealth(ctx context.Context) error {
	c, err := newHubClient()
	if err != nil {
		return err
	}

	code, _, err := c.get(ctx, "/health")
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if code != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", code)
	}

	fmt.Println("healthy")
	return nil
}

func runAgents(ctx context.Context) error {
	c, err := newHubClient()
	if err != nil {
		return err
	}

	var agents []*agent.AgentInfo
	if err := c.getJSON(ctx, "/api/agents", &agents); err != nil {
		return fmt.Errorf("listing agents: %w", err)
	}
	if len(agents) == 0 {
		fmt.Println("no agents connected")
		return nil
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tHOST\tPACKS\tLAST SEEN")
	for _, a := range agents {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s ago\n",
			a.ID, a.Name, a.Hostname, strings.Join(a.Packs, ","),
			time.Since(a.LastSeen).Round(time.Second))
	}
	return tw.Flush()
}

func runAuditVerify(ctx context.Context) error {
	c, err := newHubClient()
	if err != nil {
		return err
	}

	var res audit.VerifyResult
	if err := c.getJSON(ctx, "/api/audit/verify", &res); err != nil {
		return fmt.Errorf("verifying audit chain: %w", err)
	}

	if res.Valid {
		color.New(color.FgGreen).Printf("  ✓ Audit chain intact (%d entries checked)\n", res.Checked)
		return nil
	}

	red := color.New(color.FgRed, color.Bold)
	red.Print("  ✗ Audit chain broken")
	if res.BrokenAt != nil {
		fmt.Printf(" at entry %d", *res.BrokenAt)
	}
	fmt.Println()
	if res.Reason != "" {
		fmt.Printf("    %s\n", res.Reason)
	}
	return fmt.Errorf("audit chain verification failed")
}
