package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/quan-xiao/testmanager/internal/api"
	"github.com/quan-xiao/testmanager/internal/config"
	"github.com/quan-xiao/testmanager/internal/exitcode"
	"github.com/quan-xiao/testmanager/internal/store"
)

func (c *cli) taskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Enqueue and inspect tasks",
	}
	cmd.AddCommand(c.taskAddCmd(), c.taskListCmd(), c.taskShowCmd())
	return cmd
}

type taskAddFlags struct {
	id           string
	payload      string
	requirements map[string]string
	priority     int
	maxAttempts  int
	jsonOut      bool
}

func (c *cli) taskAddCmd() *cobra.Command {
	var f taskAddFlags
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Enqueue a task",
		Example: `  testmanager task add --payload '{"suite":"smoke"}' --require os=linux --priority 5
  testmanager task add --id nightly-42 --payload @task.json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if f.maxAttempts < 0 {
				return withCode(exitcode.Syntax, errors.New("--max-attempts must not be negative"))
			}
			payload, err := readPayload(f.payload)
			if err != nil {
				return withCode(exitcode.Syntax, err)
			}
			return c.withStore(cmd.Context(), func(cfg *config.Config, comp *components) error {
				return c.addTask(cmd, cfg, comp.store, f, payload)
			})
		},
	}
	cmd.Flags().StringVar(&f.id, "id", "", "task id (generated when empty)")
	cmd.Flags().StringVar(&f.payload, "payload", "", "opaque JSON payload, or @file to read it from a file")
	cmd.Flags().StringToStringVar(&f.requirements, "require", nil, "capability requirement key=value (repeatable)")
	cmd.Flags().IntVar(&f.priority, "priority", 0, "priority class; lower values win ties on enqueue time")
	cmd.Flags().IntVar(&f.maxAttempts, "max-attempts", 0, "assignment attempts before the task times out (default dispatch.max_attempts)")
	cmd.Flags().BoolVar(&f.jsonOut, "json", false, "print the task as JSON")
	return cmd
}

func (c *cli) addTask(cmd *cobra.Command, cfg *config.Config, st *store.SQLStore, f taskAddFlags, payload json.RawMessage) error {
	ctx := cmd.Context()
	if f.id != "" {
		if _, err := st.GetTask(ctx, f.id); err == nil {
			return withCode(exitcode.Failure, fmt.Errorf("task %q already exists", f.id))
		} else if !errors.Is(err, store.ErrNotFound) {
			return withCode(exitcode.Failure, err)
		}
	}
	maxAttempts := f.maxAttempts
	if maxAttempts == 0 {
		maxAttempts = cfg.Dispatch.MaxAttempts
	}

	task, err := st.EnqueueTask(ctx, store.EnqueueRequest{
		ID:           f.id,
		Payload:      payload,
		Requirements: f.requirements,
		Priority:     f.priority,
		MaxAttempts:  maxAttempts,
	}, time.Now())
	if err != nil {
		return withCode(exitcode.Failure, err)
	}
	if f.jsonOut {
		return withCode(exitcode.Failure, c.printJSON(api.NewTaskView(task)))
	}
	fmt.Fprintf(c.stdout, "enqueued %s (priority %d, max attempts %d)\n", task.ID, task.Priority, task.MaxAttempts)
	return nil
}

// readPayload accepts inline JSON or @path.
func readPayload(arg string) (json.RawMessage, error) {
	if arg == "" {
		return nil, nil
	}
	data := []byte(arg)
	if path, ok := strings.CutPrefix(arg, "@"); ok {
		var err error
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read payload: %w", err)
		}
	}
	if !json.Valid(data) {
		return nil, errors.New("payload is not valid JSON")
	}
	return json.RawMessage(data), nil
}

func (c *cli) taskListCmd() *cobra.Command {
	var (
		state   string
		limit   int
		jsonOut bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks in dispatch order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := store.TaskState(state)
			if state != "" && !validTaskState(filter) {
				return withCode(exitcode.Syntax, fmt.Errorf("unknown task state %q", state))
			}
			return c.withStore(cmd.Context(), func(_ *config.Config, comp *components) error {
				tasks, err := comp.store.ListTasks(cmd.Context(), filter, limit)
				if err != nil {
					return withCode(exitcode.Failure, err)
				}
				if jsonOut {
					views := make([]api.TaskView, 0, len(tasks))
					for _, t := range tasks {
						views = append(views, api.NewTaskView(t))
					}
					return withCode(exitcode.Failure, c.printJSON(views))
				}
				c.printTasks(tasks)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&state, "state", "", "filter by state (pending, assigned, running, reporting, done, failed, timed_out)")
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum number of tasks")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "print tasks as JSON")
	return cmd
}

func validTaskState(s store.TaskState) bool {
	switch s {
	case store.TaskPending, store.TaskAssigned, store.TaskRunning, store.TaskReporting,
		store.TaskDone, store.TaskFailed, store.TaskTimedOut:
		return true
	}
	return false
}

func (c *cli) printTasks(tasks []*store.Task) {
	if len(tasks) == 0 {
		fmt.Fprintln(c.stdout, "No tasks found")
		return
	}
	w := tabwriter.NewWriter(c.stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATE\tPRIORITY\tTESTBOX\tGEN\tATTEMPTS\tREQUIREMENTS")
	for _, t := range tasks {
		box := "-"
		if t.TestBoxID != nil {
			box = *t.TestBoxID
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%d\t%d/%d\t%s\n",
			t.ID, t.State, t.Priority, box, t.Generation, t.Attempts, t.MaxAttempts, formatPairs(t.Requirements))
	}
	w.Flush()
}

func (c *cli) taskShowCmd() *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "show TASK_ID",
		Short: "Show a task and its accepted results",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withStore(cmd.Context(), func(_ *config.Config, comp *components) error {
				ctx := cmd.Context()
				task, err := comp.store.GetTask(ctx, args[0])
				if errors.Is(err, store.ErrNotFound) {
					return withCode(exitcode.Failure, fmt.Errorf("task %q not found", args[0]))
				}
				if err != nil {
					return withCode(exitcode.Failure, err)
				}
				results, err := comp.store.ResultsForTask(ctx, task.ID)
				if err != nil {
					return withCode(exitcode.Failure, err)
				}

				detail := api.TaskDetail{TaskView: api.NewTaskView(task), Results: make([]api.ResultView, 0, len(results))}
				for _, r := range results {
					detail.Results = append(detail.Results, api.NewResultView(r))
				}
				if jsonOut {
					return withCode(exitcode.Failure, c.printJSON(detail))
				}
				c.printTaskDetail(detail)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "print the task as JSON")
	return cmd
}

func (c *cli) printTaskDetail(d api.TaskDetail) {
	w := tabwriter.NewWriter(c.stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "ID:\t%s\n", d.ID)
	fmt.Fprintf(w, "State:\t%s\n", d.State)
	fmt.Fprintf(w, "Priority:\t%d\n", d.Priority)
	fmt.Fprintf(w, "Generation:\t%d\n", d.Generation)
	fmt.Fprintf(w, "Attempts:\t%d/%d\n", d.Attempts, d.MaxAttempts)
	fmt.Fprintf(w, "Requirements:\t%s\n", formatPairs(d.Requirements))
	fmt.Fprintf(w, "Created:\t%s\n", d.CreatedAt.Format(time.RFC3339))
	if d.TestBoxID != nil {
		fmt.Fprintf(w, "Testbox:\t%s\n", *d.TestBoxID)
	}
	if d.AssignedAt != nil {
		fmt.Fprintf(w, "Assigned:\t%s\n", d.AssignedAt.Format(time.RFC3339))
	}
	if d.CompletedAt != nil {
		fmt.Fprintf(w, "Completed:\t%s\n", d.CompletedAt.Format(time.RFC3339))
	}
	if d.LastError != nil {
		fmt.Fprintf(w, "Last error:\t%s\n", *d.LastError)
	}
	if len(d.Payload) > 0 {
		fmt.Fprintf(w, "Payload:\t%s\n", string(d.Payload))
	}
	w.Flush()

	if len(d.Results) == 0 {
		return
	}
	fmt.Fprintln(c.stdout, "\nResults:")
	w = tabwriter.NewWriter(c.stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  TESTBOX\tGEN\tOUTCOME\tCOMPLETED\tLOG")
	for _, r := range d.Results {
		logRef := "-"
		if r.LogRef != nil {
			logRef = *r.LogRef
		}
		fmt.Fprintf(w, "  %s\t%d\t%s\t%s\t%s\n", r.TestBoxID, r.Generation, r.Outcome, r.CompletedAt.Format(time.RFC3339), logRef)
	}
	w.Flush()
}

func formatPairs(m map[string]string) string {
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
