package main

import (
	"fmt"
	"io"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	v1 "github.com/taskrun/taskrun/pkg/api/v1"
)

func newTaskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Submit and inspect tasks",
	}
	cmd.AddCommand(newTaskSubmitCmd())
	cmd.AddCommand(newTaskListCmd())
	cmd.AddCommand(newTaskGetCmd())
	cmd.AddCommand(newTaskCancelCmd())
	cmd.AddCommand(newTaskContinueCmd())
	cmd.AddCommand(newTaskOutputCmd())
	cmd.AddCommand(newTaskEventsCmd())
	cmd.AddCommand(newTaskChatCmd())
	return cmd
}

func newTaskSubmitCmd() *cobra.Command {
	var (
		agent     string
		input     string
		inputFile string
		createdBy string
		labels    []string
	)

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a new task",
		Long: `Submit a new task for the given agent.

The task is assigned to an eligible worker immediately when one is
connected; otherwise it stays PENDING and is placed when a worker
with the agent comes online.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if inputFile != "" {
				data, err := os.ReadFile(inputFile)
				if err != nil {
					return fmt.Errorf("read input file: %w", err)
				}
				input = string(data)
			}

			req := v1.CreateTaskRequest{
				AgentName: agent,
				InputJSON: input,
				CreatedBy: createdBy,
			}
			for _, kv := range labels {
				k, v, ok := strings.Cut(kv, "=")
				if !ok {
					return fmt.Errorf("invalid label %q (want key=value)", kv)
				}
				if req.Labels == nil {
					req.Labels = make(map[string]string)
				}
				req.Labels[k] = v
			}

			var task v1.Task
			if err := newAPIClient(serverURL).post("/api/v1/tasks", req, &task); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if structured() {
				return render(out, task)
			}
			fmt.Fprintf(out, "Task %s submitted (%s)\n", task.ID, task.Status)
			for _, run := range task.Runs {
				fmt.Fprintf(out, "Run %s on worker %s (%s)\n", run.RunID, run.WorkerID, run.Status)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&agent, "agent", "", "agent name the task targets (required)")
	cmd.Flags().StringVar(&input, "input", "", "task input as a JSON string")
	cmd.Flags().StringVar(&inputFile, "input-file", "", "read task input from a file instead of --input")
	cmd.Flags().StringVar(&createdBy, "by", "", "submitter recorded on the task")
	cmd.Flags().StringArrayVar(&labels, "label", nil, "task label as key=value (repeatable)")
	_ = cmd.MarkFlagRequired("agent")

	return cmd
}

func newTaskListCmd() *cobra.Command {
	var (
		status string
		agent  string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			query := url.Values{}
			if status != "" {
				query.Set("status", strings.ToUpper(status))
			}
			if agent != "" {
				query.Set("agent", agent)
			}
			if limit > 0 {
				query.Set("limit", strconv.Itoa(limit))
			}
			path := "/api/v1/tasks"
			if len(query) > 0 {
				path += "?" + query.Encode()
			}

			var resp v1.ListTasksResponse
			if err := newAPIClient(serverURL).get(path, &resp); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if structured() {
				return render(out, resp)
			}
			if len(resp.Tasks) == 0 {
				fmt.Fprintln(out, "No tasks found.")
				return nil
			}

			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tAGENT\tSTATUS\tRUNS\tCREATED")
			for _, t := range resp.Tasks {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
					t.ID, t.AgentName, t.Status, len(t.Runs), t.CreatedAt.Local().Format(time.DateTime))
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "filter by task status (pending, running, completed, failed, cancelled)")
	cmd.Flags().StringVar(&agent, "agent", "", "filter by agent name")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of tasks to return (0 = all)")

	return cmd
}

func newTaskGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <task-id>",
		Short: "Show one task with its run history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var task v1.Task
			if err := newAPIClient(serverURL).get("/api/v1/tasks/"+args[0], &task); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if structured() {
				return render(out, task)
			}
			printTask(out, &task)
			return nil
		},
	}
}

func newTaskCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <task-id>",
		Short: "Cancel a task and its live runs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var task v1.Task
			if err := newAPIClient(serverURL).post("/api/v1/tasks/"+args[0]+"/cancel", nil, &task); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if structured() {
				return render(out, task)
			}
			fmt.Fprintf(out, "Task %s cancelled\n", task.ID)
			return nil
		},
	}
}

func newTaskContinueCmd() *cobra.Command {
	var (
		runID   string
		message string
	)

	cmd := &cobra.Command{
		Use:   "continue <task-id>",
		Short: "Send a follow-up message into a run in progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := v1.ContinueTaskRequest{RunID: runID, Message: message}

			var chat v1.ChatMessage
			if err := newAPIClient(serverURL).post("/api/v1/tasks/"+args[0]+"/continue", req, &chat); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if structured() {
				return render(out, chat)
			}
			fmt.Fprintf(out, "Message delivered to run %s\n", runID)
			return nil
		},
	}

	cmd.Flags().StringVar(&runID, "run", "", "run id to continue (required)")
	cmd.Flags().StringVar(&message, "message", "", "message content (required)")
	_ = cmd.MarkFlagRequired("run")
	_ = cmd.MarkFlagRequired("message")

	return cmd
}

func newTaskOutputCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "output <task-id> <run-id>",
		Short: "Print the retained output of a run",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp v1.RunOutput
			path := fmt.Sprintf("/api/v1/tasks/%s/runs/%s/output", args[0], args[1])
			if err := newAPIClient(serverURL).get(path, &resp); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if structured() {
				return render(out, resp)
			}
			fmt.Fprint(out, resp.Content)
			return nil
		},
	}
}

func newTaskEventsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "events <task-id> <run-id>",
		Short: "List the execution events of a run",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp v1.ListRunEventsResponse
			path := fmt.Sprintf("/api/v1/tasks/%s/runs/%s/events", args[0], args[1])
			if err := newAPIClient(serverURL).get(path, &resp); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if structured() {
				return render(out, resp)
			}
			if len(resp.Events) == 0 {
				fmt.Fprintln(out, "No events recorded.")
				return nil
			}

			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tEVENT\tMETADATA")
			for _, ev := range resp.Events {
				ts := time.UnixMilli(ev.TimestampMS).Local().Format(time.TimeOnly)
				fmt.Fprintf(w, "%s\t%s\t%s\n", ts, ev.EventType, formatMetadata(ev.Metadata))
			}
			return w.Flush()
		},
	}
}

func newTaskChatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chat <task-id> <run-id>",
		Short: "Show the chat history of a run",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp v1.ListChatResponse
			path := fmt.Sprintf("/api/v1/tasks/%s/runs/%s/chat", args[0], args[1])
			if err := newAPIClient(serverURL).get(path, &resp); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if structured() {
				return render(out, resp)
			}
			if len(resp.Messages) == 0 {
				fmt.Fprintln(out, "No chat history.")
				return nil
			}
			for _, msg := range resp.Messages {
				ts := time.UnixMilli(msg.TimestampMS).Local().Format(time.TimeOnly)
				fmt.Fprintf(out, "[%s] %s: %s\n", ts, msg.Role, msg.Content)
			}
			return nil
		},
	}
}

// printTask renders a task and its runs the way `task get` shows them.
func printTask(out io.Writer, task *v1.Task) {
	fmt.Fprintf(out, "ID:       %s\n", task.ID)
	fmt.Fprintf(out, "Agent:    %s\n", task.AgentName)
	fmt.Fprintf(out, "Status:   %s\n", task.Status)
	fmt.Fprintf(out, "Created:  %s", task.CreatedAt.Local().Format(time.DateTime))
	if task.CreatedBy != "" {
		fmt.Fprintf(out, " by %s", task.CreatedBy)
	}
	fmt.Fprintln(out)
	if len(task.Labels) > 0 {
		fmt.Fprintf(out, "Labels:   %s\n", formatMetadata(task.Labels))
	}

	if len(task.Runs) == 0 {
		fmt.Fprintln(out, "Runs:     none")
		return
	}
	fmt.Fprintln(out, "Runs:")
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  RUN\tWORKER\tSTATUS\tERROR")
	for _, run := range task.Runs {
		errMsg := "-"
		if run.ErrorMessage != "" {
			errMsg = run.ErrorMessage
		}
		fmt.Fprintf(w, "  %s\t%s\t%s\t%s\n", run.RunID, run.WorkerID, run.Status, errMsg)
	}
	w.Flush()
}

// formatMetadata renders a string map as k=v pairs in key order.
func formatMetadata(m map[string]string) string {
	if len(m) == 0 {
		return "-"
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+m[k])
	}
	return strings.Join(parts, ",")
}
