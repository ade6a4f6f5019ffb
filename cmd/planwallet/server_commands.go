package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/urfave/cli/v2"
)

// healthOutput is the daemon's liveness plus the session it is holding.
type healthOutput struct {
	URL                 string `json:"url"`
	Healthy             bool   `json:"healthy"`
	Address             string `json:"address,omitempty"`
	Provider            string `json:"provider,omitempty"`
	Flow                string `json:"flow,omitempty"`
	RegistrationPending bool   `json:"registration_pending"`
	UnresolvedPayments  int    `json:"unresolved_payments"`
	SessionError        string `json:"session_error,omitempty"`
}

func healthCommand() *cli.Command {
	return &cli.Command{
		Name:  "health",
		Usage: "Check server health and the wallet session it holds",
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "Request timeout",
				Value: 5 * time.Second,
			},
		},
		Action: func(c *cli.Context) error {
			serverURL := c.String("server-url")
			if serverURL == "" {
				return fmt.Errorf("server-url is required (set SERVER_URL env var or use --server-url)")
			}

			httpClient := &http.Client{
				Timeout: c.Duration("timeout"),
			}

			resp, err := httpClient.Get(serverURL + "/health")
			if err != nil {
				return fmt.Errorf("health check failed: %w", err)
			}
			resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("server returned unhealthy status: %d", resp.StatusCode)
			}

			out := healthOutput{URL: serverURL, Healthy: true}
			if err := readSession(httpClient, serverURL, &out); err != nil {
				out.SessionError = err.Error()
			}

			if wantJSON(c) {
				return outputJSON(c, out)
			}
			printHealth(c, out)
			return nil
		},
	}
}

// readSession fills out from GET /api/v1/session. A daemon that answers
// /health but not the session is still healthy.
func readSession(httpClient *http.Client, serverURL string, out *healthOutput) error {
	resp, err := httpClient.Get(serverURL + "/api/v1/session")
	if err != nil {
		return fmt.Errorf("session request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("session returned status %d", resp.StatusCode)
	}

	var view struct {
		Session *struct {
			Address  string `json:"address"`
			Provider string `json:"provider"`
		} `json:"session"`
		Flow                string `json:"flow"`
		RegistrationPending bool   `json:"registration_pending"`
		UnresolvedPayments  int    `json:"unresolved_payments"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&view); err != nil {
		return fmt.Errorf("failed to decode session: %w", err)
	}
	if view.Session != nil {
		out.Address = view.Session.Address
		out.Provider = view.Session.Provider
	}
	out.Flow = view.Flow
	out.RegistrationPending = view.RegistrationPending
	out.UnresolvedPayments = view.UnresolvedPayments
	return nil
}

func printHealth(c *cli.Context, out healthOutput) {
	w := stdout(c)
	fmt.Fprintf(w, "✓ Server is healthy\n")
	fmt.Fprintf(w, "  URL:     %s\n", out.URL)
	if out.SessionError != "" {
		fmt.Fprintf(w, "  Session: unavailable (%s)\n", out.SessionError)
		return
	}
	if out.Address == "" {
		fmt.Fprintf(w, "  Wallet:  not connected\n")
	} else {
		fmt.Fprintf(w, "  Wallet:  %s (%s)\n", out.Address, out.Provider)
	}
	fmt.Fprintf(w, "  Flow:    %s\n", out.Flow)
	if out.RegistrationPending {
		fmt.Fprintf(w, "  Registration pending, retry once the ledger is back\n")
	}
	if out.UnresolvedPayments > 0 {
		fmt.Fprintf(w, "  Unresolved payments: %d\n", out.UnresolvedPayments)
	}
}

func versionCommand() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Show version information",
		Action: func(c *cli.Context) error {
			w := stdout(c)
			fmt.Fprintf(w, "planwallet CLI\n")
			fmt.Fprintf(w, "  Version: %s\n", version)
			fmt.Fprintf(w, "  Commit:  %s\n", commit)
			fmt.Fprintf(w, "  Built:   %s\n", date)
			return nil
		},
	}
}
