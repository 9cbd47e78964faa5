// Package cmd implements fishctl, the operator CLI for the coordinator.
package cmd

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// ErrAPI wraps non-2xx answers from the coordinator.
var ErrAPI = errors.New("coordinator API error")

type options struct {
	cfgFile        string
	coordinatorURL string
	apiKey         string
	output         string
	timeout        time.Duration
	httpClient     *http.Client
}

// NewRootCmd builds the fishctl command tree.
func NewRootCmd() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:          "fishctl",
		Short:        "CLI for the fishtest coordinator",
		Long:         `fishctl creates and manages SPRT tests and inspects connected workers.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.load(cmd)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&opts.cfgFile, "config", "", "config file (default is $HOME/.fishtest/fishctl.yaml)")
	flags.StringVar(&opts.coordinatorURL, "coordinator", "", "coordinator API URL (default from config or http://localhost:8080)")
	flags.StringVar(&opts.apiKey, "api-key", "", "operator API key")
	flags.StringVarP(&opts.output, "output", "o", "table", "output format: table, json or yaml")
	flags.DurationVar(&opts.timeout, "timeout", 30*time.Second, "request timeout")

	root.AddCommand(newTestsCmd(opts), newWorkersCmd(opts), newKeygenCmd(opts))
	return root
}

// Execute runs fishctl with os.Args.
func Execute() error {
	return NewRootCmd().Execute()
}

// load fills unset flags from the config file and FISHTEST_* environment.
func (o *options) load(cmd *cobra.Command) error {
	v := viper.New()
	v.SetEnvPrefix("FISHTEST")
	v.AutomaticEnv()
	_ = v.BindEnv("coordinator_url")
	_ = v.BindEnv("api_key")

	if o.cfgFile != "" {
		v.SetConfigFile(o.cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config: %w", err)
		}
	} else if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".fishtest"))
		v.SetConfigName("fishctl")
		v.SetConfigType("yaml")
		_ = v.ReadInConfig()
	}

	if !cmd.Flags().Changed("coordinator") {
		o.coordinatorURL = v.GetString("coordinator_url")
	}
	if !cmd.Flags().Changed("api-key") {
		o.apiKey = v.GetString("api_key")
	}
	if o.coordinatorURL == "" {
		o.coordinatorURL = "http://localhost:8080"
	}
	o.coordinatorURL = strings.TrimRight(o.coordinatorURL, "/")

	switch o.output {
	case "table", "json", "yaml":
	default:
		return fmt.Errorf("unknown output format %q", o.output)
	}
	if o.httpClient == nil {
		o.httpClient = &http.Client{Timeout: o.timeout}
	}
	return nil
}

// call sends body as JSON and decodes the answer into out (may be nil).
func (o *options) call(method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, o.coordinatorURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if o.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+o.apiKey)
	}

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to coordinator: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w (status %d): %s", ErrAPI, resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

// render prints v as JSON or YAML, or calls table for the table format.
func (o *options) render(w io.Writer, v interface{}, table func(io.Writer) error) error {
	switch o.output {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		// Round-trip through JSON so YAML keys follow the API field names.
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		var generic interface{}
		if err := json.Unmarshal(data, &generic); err != nil {
			return err
		}
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(generic)
	default:
		return table(w)
	}
}
