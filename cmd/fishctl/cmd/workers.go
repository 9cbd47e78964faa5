package cmd

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/chuckstables/fishtest/pkg/auth"
	"github.com/chuckstables/fishtest/pkg/models"
)

type workersListResponse struct {
	Workers []models.Worker `json:"workers"`
	Count   int             `json:"count"`
}

func newWorkersCmd(opts *options) *cobra.Command {
	workersCmd := &cobra.Command{
		Use:   "workers",
		Short: "Inspect connected workers",
	}
	workersCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List workers seen by the coordinator",
		RunE: func(cmd *cobra.Command, args []string) error {
			var result workersListResponse
			if err := opts.call("GET", "/workers", nil, &result); err != nil {
				return err
			}
			return opts.render(cmd.OutOrStdout(), result, func(w io.Writer) error {
				if len(result.Workers) == 0 {
					fmt.Fprintln(w, "No workers connected")
					return nil
				}
				table := tablewriter.NewWriter(w)
				table.Header("ID", "Name", "Health", "Cores", "NPS", "CPU", "Tasks", "Last seen")
				for _, wk := range result.Workers {
					table.Append(
						shortID(wk.ID),
						wk.Name,
						string(wk.Health),
						strconv.Itoa(wk.Capability.Concurrency),
						strconv.Itoa(wk.Capability.NPS),
						wk.Capability.CPUModel,
						strconv.Itoa(len(wk.HeldTasks)),
						time.Since(wk.LastSeen).Round(time.Second).String()+" ago",
					)
				}
				if err := table.Render(); err != nil {
					return err
				}
				fmt.Fprintf(w, "\nTotal workers: %d\n", result.Count)
				return nil
			})
		},
	})
	return workersCmd
}

type keyPair struct {
	Key  string `json:"api_key"`
	Hash string `json:"api_key_hash"`
}

func newKeygenCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate an API key and its bcrypt hash",
		Long: `Generate a random API key. Give the key to workers and operators
(api_key) and put the hash into the coordinator config (auth.api_key_hash).`,
		RunE: func(cmd *cobra.Command, args []string) error {
			key, hash, err := auth.GenerateAPIKey()
			if err != nil {
				return err
			}
			pair := keyPair{Key: key, Hash: hash}
			return opts.render(cmd.OutOrStdout(), pair, func(w io.Writer) error {
				fmt.Fprintf(w, "api_key:      %s\napi_key_hash: %s\n", pair.Key, pair.Hash)
				return nil
			})
		},
	}
}
