package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os/signal"
	"strings"
	"syscall"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/michaelbrown/sessionflow/internal/client"
)

var watchFlag bool

var statusCmd = &cobra.Command{
	Use:   "status <run-id>",
	Short: "Show the status of a run",
	Long: `Show a run's status from the API server. With --watch, follow the run
over a websocket until it finishes.`,
	Args: cobra.ExactArgs(1),
	RunE: runStatus,
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <run-id>",
	Short: "Cancel a pending or running run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := client.New(apiBaseURL())
		if err := c.Cancel(context.Background(), args[0]); err != nil {
			return err
		}
		fmt.Printf("Cancellation requested for %s\n", args[0])
		return nil
	},
}

func init() {
	statusCmd.Flags().BoolVarP(&watchFlag, "watch", "w", false, "Follow the run until it finishes")
	rootCmd.AddCommand(statusCmd, cancelCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	base := apiBaseURL()
	if watchFlag {
		return watchRun(ctx, base, args[0])
	}

	st, err := client.New(base).Status(ctx, args[0])
	if err != nil {
		return err
	}
	printStatus(st)
	return nil
}

// watchRun prints one line per status snapshot pushed by the server.
func watchRun(ctx context.Context, base, id string) error {
	url := "ws" + strings.TrimPrefix(strings.TrimRight(base, "/"), "http") + "/api/workflows/" + id + "/ws"
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", url, err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	var last client.Status
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return printOutcome(&last)
			}
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if err := json.Unmarshal(data, &last); err != nil {
			return fmt.Errorf("decoding status: %w", err)
		}
		fmt.Printf("%-10s %-20s polls=%d session=%s execution=%s\n",
			last.RuntimeStatus, last.Phase, last.PollCount, last.CustomStatus.SessionID, last.CustomStatus.ExecutionID)
	}
}

func printStatus(st *client.Status) {
	fmt.Printf("Run:       %s\n", st.InstanceID)
	fmt.Printf("Status:    %s\n", st.RuntimeStatus)
	fmt.Printf("Phase:     %s\n", st.Phase)
	fmt.Printf("Polls:     %d\n", st.PollCount)
	if st.CustomStatus.SessionID != "" {
		fmt.Printf("Session:   %s\n", st.CustomStatus.SessionID)
	}
	if st.CustomStatus.ExecutionID != "" {
		fmt.Printf("Execution: %s\n", st.CustomStatus.ExecutionID)
	}
	if st.Error != nil {
		fmt.Printf("Error:     %s: %s\n", st.Error.Kind, st.Error.Message)
	}
	if st.Output != nil {
		fmt.Printf("Output:    %s\n", st.Output.OutputJSON)
	}
}
