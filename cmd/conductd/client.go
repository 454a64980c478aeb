package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/spf13/cobra"

	api "github.com/fyrsmithlabs/conductd/internal/http"
)

// serverURL is the base URL of a running daemon for client commands.
var (
	serverURL    string
	cancelReason string
)

func init() {
	statusCmd.Flags().StringVar(&serverURL, "server", "http://localhost:9090", "conductd server URL")
	cancelCmd.Flags().StringVar(&serverURL, "server", "http://localhost:9090", "conductd server URL")
	cancelCmd.Flags().StringVar(&cancelReason, "reason", "cancelled by operator", "reason recorded on the unit")
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show plan progress from a running daemon",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <unit-id>",
	Short: "Force-fail a running unit",
	Long: `Cancel aborts a unit's lifecycle task. The unit is marked failed and
its sandbox is retained for inspection.`,
	Args: cobra.ExactArgs(1),
	RunE: runCancel,
}

func runStatus(*cobra.Command, []string) error {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(serverURL + "/api/v1/status")
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", serverURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return errorFromResponse(resp)
	}

	var status api.StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}

	fmt.Printf("Project: %s\n", status.Project)
	statuses := make([]string, 0, len(status.Units))
	for s := range status.Units {
		statuses = append(statuses, s)
	}
	sort.Strings(statuses)
	for _, s := range statuses {
		fmt.Printf("  %-12s %d\n", s, status.Units[s])
	}
	if len(status.Active) > 0 {
		fmt.Printf("Active: %v\n", status.Active)
	}
	if status.Done {
		fmt.Println("Plan settled.")
	}
	return nil
}

func runCancel(_ *cobra.Command, args []string) error {
	body, err := json.Marshal(api.CancelRequest{Reason: cancelReason})
	if err != nil {
		return err
	}

	client := &http.Client{Timeout: 5 * time.Second}
	url := fmt.Sprintf("%s/api/v1/units/%s/cancel", serverURL, args[0])
	resp, err := client.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", serverURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		return errorFromResponse(resp)
	}
	fmt.Printf("Unit %s cancelled.\n", args[0])
	return nil
}

func errorFromResponse(resp *http.Response) error {
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("server returned status %d", resp.StatusCode)
	}
	return fmt.Errorf("server returned status %d: %s", resp.StatusCode, bytes.TrimSpace(payload))
}
