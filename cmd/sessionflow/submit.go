package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/michaelbrown/sessionflow/internal/client"
	"github.com/michaelbrown/sessionflow/internal/durable"
	"github.com/michaelbrown/sessionflow/internal/workflow"
)

var (
	submitFile      string
	submitCode      string
	submitInput     string
	submitInputFile string
	submitSession   string
	submitEnv       []string
	submitCommand   string
	submitPreamble  string
	submitWait      bool
	submitLocal     bool
	waitInterval    time.Duration
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a workflow run",
	Long: `Submit a workflow run to the API server, or run it in-process with --local.

A submission is read from a YAML or JSON file (-f) or assembled from flags.

Examples:
  sessionflow submit -f job.yaml --wait
  sessionflow submit --code workflow.py --input '{"x": 1}'
  sessionflow submit --code workflow.py --input-file input.json --session abc --local`,
	Args: cobra.NoArgs,
	RunE: runSubmit,
}

func init() {
	submitCmd.Flags().StringVarP(&submitFile, "file", "f", "", "Submission file (.yaml, .yml or .json)")
	submitCmd.Flags().StringVar(&submitCode, "code", "", "Python file with the workflow code")
	submitCmd.Flags().StringVar(&submitInput, "input", "", "Workflow input as inline JSON")
	submitCmd.Flags().StringVar(&submitInputFile, "input-file", "", "File with the workflow input JSON")
	submitCmd.Flags().StringVar(&submitSession, "session", "", "Reuse an existing sandbox session")
	submitCmd.Flags().StringArrayVarP(&submitEnv, "env", "e", nil, "Environment variable for the execution (KEY=VALUE, repeatable)")
	submitCmd.Flags().StringVar(&submitCommand, "command", "", "Override the execution command")
	submitCmd.Flags().StringVar(&submitPreamble, "preamble", "", "Python file prepended to the generated runner")
	submitCmd.Flags().BoolVarP(&submitWait, "wait", "w", false, "Wait for the run to finish and print its output")
	submitCmd.Flags().BoolVar(&submitLocal, "local", false, "Run in this process instead of submitting to a server")
	submitCmd.Flags().DurationVar(&waitInterval, "interval", 2*time.Second, "Status poll interval while waiting")
	rootCmd.AddCommand(submitCmd)
}

func runSubmit(cmd *cobra.Command, args []string) error {
	sub, err := buildSubmission()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if submitLocal {
		return submitInProcess(ctx, sub)
	}

	c := client.New(apiBaseURL())
	started, err := c.Submit(ctx, sub)
	if err != nil {
		return err
	}
	fmt.Printf("Started run %s\n", started.InstanceID)
	if !submitWait {
		return nil
	}

	st, err := c.Wait(ctx, started.InstanceID, waitInterval)
	if err != nil {
		return err
	}
	return printOutcome(st)
}

// submitInProcess drives the run with a private engine and waits for it.
func submitInProcess(ctx context.Context, sub workflow.Submission) error {
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	in, err := workflow.NewInput(sub, a.cfg.Settings())
	if err != nil {
		return err
	}
	if err := a.engine.Start(ctx); err != nil {
		return err
	}
	id, err := a.engine.ScheduleRun(ctx, in)
	if err != nil {
		return err
	}
	fmt.Printf("Started run %s\n", id)

	updates, unsubscribe := a.broker.Subscribe(id)
	defer unsubscribe()
	for {
		st, err := a.engine.GetRunStatus(context.WithoutCancel(ctx), id)
		if err != nil {
			return err
		}
		if st.Terminal() {
			return printRunStatus(st)
		}
		select {
		case <-ctx.Done():
			fmt.Printf("Interrupted; run %s will resume on the next start.\n", id)
			return nil
		case <-updates:
		}
	}
}

func buildSubmission() (workflow.Submission, error) {
	if submitFile != "" {
		return readSubmissionFile(submitFile)
	}
	if submitCode == "" {
		return workflow.Submission{}, errors.New("either --file or --code is required")
	}

	code, err := os.ReadFile(submitCode)
	if err != nil {
		return workflow.Submission{}, fmt.Errorf("reading workflow code: %w", err)
	}
	sub := workflow.Submission{
		SessionID:       submitSession,
		WorkflowCode:    string(code),
		CommandOverride: submitCommand,
	}

	switch {
	case submitInputFile != "":
		data, err := os.ReadFile(submitInputFile)
		if err != nil {
			return workflow.Submission{}, fmt.Errorf("reading input: %w", err)
		}
		sub.Input = json.RawMessage(data)
	case submitInput != "":
		sub.Input = json.RawMessage(submitInput)
	}
	if len(sub.Input) > 0 && !json.Valid(sub.Input) {
		return workflow.Submission{}, errors.New("input is not valid JSON")
	}

	if submitPreamble != "" {
		data, err := os.ReadFile(submitPreamble)
		if err != nil {
			return workflow.Submission{}, fmt.Errorf("reading preamble: %w", err)
		}
		sub.RunnerPreamble = string(data)
	}

	if len(submitEnv) > 0 {
		sub.EnvironmentVariables = make(map[string]string, len(submitEnv))
		for _, kv := range submitEnv {
			k, v, ok := strings.Cut(kv, "=")
			if !ok || k == "" {
				return workflow.Submission{}, fmt.Errorf("invalid --env %q (want KEY=VALUE)", kv)
			}
			sub.EnvironmentVariables[k] = v
		}
	}

	return sub, sub.Validate()
}

// readSubmissionFile loads a YAML or JSON submission. Relative workflowFile
// paths in YAML resolve against the submission file's directory.
func readSubmissionFile(path string) (workflow.Submission, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return workflow.Submission{}, err
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return workflow.ParseSubmission(data)
	default:
		dir := filepath.Dir(path)
		return workflow.FromYAML(data, func(name string) ([]byte, error) {
			if !filepath.IsAbs(name) {
				name = filepath.Join(dir, name)
			}
			return os.ReadFile(name)
		})
	}
}

func printOutcome(st *client.Status) error {
	fmt.Printf("Run %s %s\n", st.InstanceID, st.RuntimeStatus)
	if st.Error != nil {
		return fmt.Errorf("%s: %s", st.Error.Kind, st.Error.Message)
	}
	if st.Output != nil {
		fmt.Printf("Session: %s\n", st.Output.SessionID)
		fmt.Println(st.Output.OutputJSON)
	}
	return nil
}

func printRunStatus(st *durable.RunStatus) error {
	fmt.Printf("Run %s %s\n", st.ID, st.Status)
	if st.Error != nil {
		return fmt.Errorf("%s: %s", st.Error.Kind, st.Error.Message)
	}
	if st.Output != nil {
		fmt.Printf("Session: %s\n", st.Output.SessionID)
		fmt.Println(st.Output.OutputJSON)
	}
	return nil
}
