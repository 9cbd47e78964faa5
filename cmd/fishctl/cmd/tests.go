package cmd

import (
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/chuckstables/fishtest/pkg/models"
	"github.com/chuckstables/fishtest/pkg/sprt"
)

type testsListResponse struct {
	Tests []models.TestView `json:"tests"`
	Count int               `json:"count"`
}

type tasksListResponse struct {
	Tasks []models.Task `json:"tasks"`
	Count int           `json:"count"`
}

func newTestsCmd(opts *options) *cobra.Command {
	testsCmd := &cobra.Command{
		Use:     "tests",
		Aliases: []string{"test"},
		Short:   "Manage SPRT tests",
	}
	testsCmd.AddCommand(
		newTestsCreateCmd(opts),
		newTestsListCmd(opts),
		newTestsGetCmd(opts),
		newTestsTasksCmd(opts),
		newTestsStopCmd(opts),
		newTestsPriorityCmd(opts),
		newTestsDeleteCmd(opts),
		newTestsWatchCmd(opts),
	)
	return testsCmd
}

func newTestsCreateCmd(opts *options) *cobra.Command {
	var (
		file   string
		req    models.TestRequest
		params = sprt.DefaultParams()
	)

	c := &cobra.Command{
		Use:   "create",
		Short: "Create a test",
		Long: `Create a test from flags or from a YAML/JSON request file (-f).
Flags given on the command line override values from the file.`,
		Example: `  fishctl tests create --base master --new my-patch --tc 10+0.1 --games 60000
  fishctl tests create -f test.yaml --priority 1`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if file != "" {
				fromFile, err := loadTestRequest(file)
				if err != nil {
					return err
				}
				req = mergeTestRequest(fromFile, req, cmd)
				if !anyChanged(cmd, "elo0", "elo1", "alpha", "beta") && fromFile.SPRT != (sprt.Params{}) {
					params = fromFile.SPRT
				}
			}
			req.SPRT = params

			var test models.Test
			if err := opts.call("POST", "/tests", req, &test); err != nil {
				return err
			}
			return opts.render(cmd.OutOrStdout(), test, func(w io.Writer) error {
				fmt.Fprintf(w, "Created test %d (%s)\n", test.SequenceNumber, test.ID)
				return nil
			})
		},
	}

	f := c.Flags()
	f.StringVarP(&file, "file", "f", "", "YAML or JSON test request")
	f.StringVar(&req.Baseline.Ref, "base", "", "baseline engine ref")
	f.StringVar(&req.Baseline.Options, "base-options", "", "baseline UCI options, e.g. \"Hash=16\"")
	f.StringVar(&req.Candidate.Ref, "new", "", "candidate engine ref")
	f.StringVar(&req.Candidate.Options, "new-options", "", "candidate UCI options")
	f.StringVar(&req.Candidate.Repo, "repo", "", "repository of the candidate")
	f.Int64Var(&req.Baseline.Signature, "base-signature", 0, "expected bench node count of the baseline (0 skips the check)")
	f.Int64Var(&req.Candidate.Signature, "new-signature", 0, "expected bench node count of the candidate (0 skips the check)")
	f.StringVar(&req.Info, "info", "", "free-form description")
	f.StringVar(&req.Params.TimeControl, "tc", "10+0.1", "time control, e.g. 10+0.1 or 40/60")
	f.StringVar(&req.Params.Book, "book", "", "opening book")
	f.IntVar(&req.Params.BookDepth, "book-depth", 0, "opening book depth in moves")
	f.IntVar(&req.Params.Threads, "threads", 1, "threads per engine")
	f.IntVar(&req.NumGames, "games", 40000, "game budget")
	f.IntVar(&req.Priority, "priority", 0, "scheduling priority (higher first)")
	f.Float64Var(&params.Elo0, "elo0", params.Elo0, "SPRT null hypothesis Elo")
	f.Float64Var(&params.Elo1, "elo1", params.Elo1, "SPRT alternative hypothesis Elo")
	f.Float64Var(&params.Alpha, "alpha", params.Alpha, "SPRT type I error")
	f.Float64Var(&params.Beta, "beta", params.Beta, "SPRT type II error")
	return c
}

// loadTestRequest reads a request file. JSON is valid YAML, so one decoder
// handles both.
func loadTestRequest(path string) (models.TestRequest, error) {
	var req models.TestRequest
	data, err := os.ReadFile(path)
	if err != nil {
		return req, fmt.Errorf("failed to read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &req); err != nil {
		return req, fmt.Errorf("failed to parse %s: %w", filepath.Base(path), err)
	}
	return req, nil
}

// mergeTestRequest starts from the file and applies explicitly set flags.
func mergeTestRequest(file, flags models.TestRequest, cmd *cobra.Command) models.TestRequest {
	out := file
	set := func(name string, apply func()) {
		if cmd.Flags().Changed(name) {
			apply()
		}
	}
	set("base", func() { out.Baseline.Ref = flags.Baseline.Ref })
	set("base-options", func() { out.Baseline.Options = flags.Baseline.Options })
	set("new", func() { out.Candidate.Ref = flags.Candidate.Ref })
	set("new-options", func() { out.Candidate.Options = flags.Candidate.Options })
	set("repo", func() { out.Candidate.Repo = flags.Candidate.Repo })
	set("base-signature", func() { out.Baseline.Signature = flags.Baseline.Signature })
	set("new-signature", func() { out.Candidate.Signature = flags.Candidate.Signature })
	set("info", func() { out.Info = flags.Info })
	set("tc", func() { out.Params.TimeControl = flags.Params.TimeControl })
	set("book", func() { out.Params.Book = flags.Params.Book })
	set("book-depth", func() { out.Params.BookDepth = flags.Params.BookDepth })
	set("threads", func() { out.Params.Threads = flags.Params.Threads })
	set("games", func() { out.NumGames = flags.NumGames })
	set("priority", func() { out.Priority = flags.Priority })

	// Fall back to flag defaults for anything the file left out.
	if out.Params.TimeControl == "" {
		out.Params.TimeControl = flags.Params.TimeControl
	}
	if out.Params.Threads == 0 {
		out.Params.Threads = flags.Params.Threads
	}
	if out.NumGames == 0 {
		out.NumGames = flags.NumGames
	}
	return out
}

func anyChanged(cmd *cobra.Command, names ...string) bool {
	for _, n := range names {
		if cmd.Flags().Changed(n) {
			return true
		}
	}
	return false
}

func newTestsListCmd(opts *options) *cobra.Command {
	var (
		status string
		limit  int
	)
	c := &cobra.Command{
		Use:   "list",
		Short: "List tests",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if status != "" {
				q.Set("status", status)
			}
			if limit > 0 {
				q.Set("limit", strconv.Itoa(limit))
			}
			path := "/tests"
			if len(q) > 0 {
				path += "?" + q.Encode()
			}

			var result testsListResponse
			if err := opts.call("GET", path, nil, &result); err != nil {
				return err
			}
			return opts.render(cmd.OutOrStdout(), result, func(w io.Writer) error {
				if len(result.Tests) == 0 {
					fmt.Fprintln(w, "No tests found")
					return nil
				}
				table := tablewriter.NewWriter(w)
				table.Header("#", "Status", "Candidate", "Baseline", "TC", "Games", "W-L-D", "LLR", "Elo", "Prio")
				for _, t := range result.Tests {
					r := t.Counters
					table.Append(
						strconv.FormatInt(t.SequenceNumber, 10),
						string(t.Status),
						t.Candidate.Ref,
						t.Baseline.Ref,
						t.Params.TimeControl,
						fmt.Sprintf("%d/%d", r.Games(), t.NumGames),
						fmt.Sprintf("%d-%d-%d", r.Wins, r.Losses, r.Draws),
						llrString(t),
						fmt.Sprintf("%+.2f", t.Estimate.Elo),
						strconv.Itoa(t.Priority),
					)
				}
				if err := table.Render(); err != nil {
					return err
				}
				fmt.Fprintf(w, "\nTotal tests: %d\n", result.Count)
				return nil
			})
		},
	}
	c.Flags().StringVar(&status, "status", "", "only tests in this status")
	c.Flags().IntVar(&limit, "limit", 0, "show only the newest N tests")
	return c
}

func llrString(t models.TestView) string {
	return fmt.Sprintf("%.2f [%.2f,%.2f]", t.LLR, t.Bounds.Lower, t.Bounds.Upper)
}

func newTestsGetCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "get <test-id|number>",
		Short: "Show a test with its statistics",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			view, err := getTest(opts, args[0])
			if err != nil {
				return err
			}
			return opts.render(cmd.OutOrStdout(), view, func(w io.Writer) error {
				return describeTest(w, view)
			})
		},
	}
}

func getTest(opts *options, id string) (models.TestView, error) {
	var view models.TestView
	err := opts.call("GET", "/tests/"+url.PathEscape(id), nil, &view)
	return view, err
}

func describeTest(w io.Writer, t models.TestView) error {
	c := t.Counters
	table := tablewriter.NewWriter(w)
	table.Header("Property", "Value")
	table.Append("ID", t.ID)
	table.Append("Number", strconv.FormatInt(t.SequenceNumber, 10))
	table.Append("Status", string(t.Status))
	if t.Info != "" {
		table.Append("Info", t.Info)
	}
	table.Append("Candidate", engineString(t.Candidate))
	table.Append("Baseline", engineString(t.Baseline))
	table.Append("Time control", fmt.Sprintf("%s, %d thread(s)", t.Params.TimeControl, t.Params.Threads))
	table.Append("SPRT", fmt.Sprintf("elo0=%.2f elo1=%.2f alpha=%.3f beta=%.3f", t.SPRT.Elo0, t.SPRT.Elo1, t.SPRT.Alpha, t.SPRT.Beta))
	table.Append("LLR", llrString(t))
	table.Append("Games", fmt.Sprintf("%d of %d", c.Games(), t.NumGames))
	table.Append("W-L-D", fmt.Sprintf("%d-%d-%d", c.Wins, c.Losses, c.Draws))
	table.Append("Pentanomial", fmt.Sprint(c.Pentanomial))
	table.Append("Crashes / time losses", fmt.Sprintf("%d / %d", c.Crashes, c.TimeLosses))
	table.Append("Elo", fmt.Sprintf("%+.2f [%+.2f, %+.2f]", t.Estimate.Elo, t.Estimate.Lower95, t.Estimate.Upper95))
	table.Append("Tasks", fmt.Sprintf("%d total, %d active, %d completed, %d abandoned, %d flagged",
		t.Tasks.Total, t.Tasks.Active, t.Tasks.Completed, t.Tasks.Abandoned, t.Tasks.Flagged))
	table.Append("Priority", strconv.Itoa(t.Priority))
	table.Append("Created", t.CreatedAt.Format(time.RFC3339))
	if t.FinishedAt != nil {
		table.Append("Finished", t.FinishedAt.Format(time.RFC3339))
	}
	return table.Render()
}

func engineString(e models.EngineRef) string {
	s := e.Ref
	if e.Repo != "" {
		s = e.Repo + "@" + s
	}
	if e.Options != "" {
		s += " (" + e.Options + ")"
	}
	return s
}

func newTestsTasksCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "tasks <test-id|number>",
		Short: "List the tasks of a test",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var result tasksListResponse
			if err := opts.call("GET", "/tests/"+url.PathEscape(args[0])+"/tasks", nil, &result); err != nil {
				return err
			}
			return opts.render(cmd.OutOrStdout(), result, func(w io.Writer) error {
				if len(result.Tasks) == 0 {
					fmt.Fprintln(w, "No tasks issued yet")
					return nil
				}
				table := tablewriter.NewWriter(w)
				table.Header("#", "Status", "Worker", "Games", "W-L-D", "Crashes", "Attempts", "Flag")
				for _, t := range result.Tasks {
					r := t.Result
					table.Append(
						strconv.Itoa(t.Index),
						string(t.Status),
						shortID(t.WorkerID),
						fmt.Sprintf("%d/%d", r.Games(), t.NumGames),
						fmt.Sprintf("%d-%d-%d", r.Wins, r.Losses, r.Draws),
						strconv.Itoa(r.Crashes),
						strconv.Itoa(t.Attempts),
						t.FlagReason,
					)
				}
				return table.Render()
			})
		},
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func newTestsStopCmd(opts *options) *cobra.Command {
	var reason string
	c := &cobra.Command{
		Use:   "stop <test-id|number>",
		Short: "Stop a test; running tasks are told to stop",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return mutateTest(cmd, opts, "POST", args[0], "/stop", map[string]string{"reason": reason}, "Stopped")
		},
	}
	c.Flags().StringVar(&reason, "reason", "", "reason recorded in the test history")
	return c
}

func newTestsPriorityCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "priority <test-id|number> <priority>",
		Short: "Change the scheduling priority of a test",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("priority must be an integer: %w", err)
			}
			return mutateTest(cmd, opts, "POST", args[0], "/priority", map[string]int{"priority": p}, "Updated")
		},
	}
}

func newTestsDeleteCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <test-id|number>",
		Short: "Delete a test",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return mutateTest(cmd, opts, "DELETE", args[0], "", nil, "Deleted")
		},
	}
}

func mutateTest(cmd *cobra.Command, opts *options, method, id, suffix string, body interface{}, verb string) error {
	var view models.TestView
	if err := opts.call(method, "/tests/"+url.PathEscape(id)+suffix, body, &view); err != nil {
		return err
	}
	return opts.render(cmd.OutOrStdout(), view, func(w io.Writer) error {
		fmt.Fprintf(w, "%s test %d: status %s, priority %d\n", verb, view.SequenceNumber, view.Status, view.Priority)
		return nil
	})
}

func newTestsWatchCmd(opts *options) *cobra.Command {
	var interval time.Duration
	c := &cobra.Command{
		Use:   "watch <test-id|number>",
		Short: "Poll a test until it reaches a final status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			for {
				view, err := getTest(opts, args[0])
				if err != nil {
					return err
				}
				r := view.Counters
				fmt.Fprintf(out, "[%s] %s games %d/%d W-L-D %d-%d-%d LLR %s\n",
					time.Now().Format("15:04:05"), view.Status, r.Games(), view.NumGames,
					r.Wins, r.Losses, r.Draws, llrString(view))
				if models.IsTerminalTestStatus(view.Status) {
					fmt.Fprintf(out, "Test %d %s: Elo %+.2f [%+.2f, %+.2f]\n", view.SequenceNumber, view.Status,
						view.Estimate.Elo, view.Estimate.Lower95, view.Estimate.Upper95)
					return nil
				}
				select {
				case <-cmd.Context().Done():
					return cmd.Context().Err()
				case <-time.After(interval):
				}
			}
		},
	}
	c.Flags().DurationVar(&interval, "interval", 10*time.Second, "poll interval")
	return c
}
