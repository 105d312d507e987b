package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"time"

	"github.com/spf13/cobra"

	"github.com/c360/keybridge/config"
	"github.com/c360/keybridge/natsclient"
	"github.com/c360/keybridge/option"
	"github.com/c360/keybridge/payload"
	"github.com/c360/keybridge/publish"
	"github.com/c360/keybridge/query"
	"github.com/c360/keybridge/session"
	"github.com/c360/keybridge/transport"
)

// sessionFlags select the session of a one-shot command: an explicit
// locator, or a named session from the config file.
type sessionFlags struct {
	locator string
	name    string
}

func (f *sessionFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.locator, "locator", "", "Connect to this locator instead of a configured session")
	cmd.Flags().StringVarP(&f.name, "session", "s", "", "Configured session to use; defaults to the only one")
}

// open returns a manager for the selected session. The caller closes it.
func (f *sessionFlags) open(opts *cliOptions) (*session.Manager, error) {
	sc := config.SessionConfig{Locator: f.locator}
	name := f.name
	if f.locator == "" {
		cfg, err := opts.loadConfig()
		if err != nil {
			return nil, err
		}
		names := cfg.SessionNames()
		switch {
		case name != "":
			if !slices.Contains(names, name) {
				return nil, fmt.Errorf("session %q is not configured", name)
			}
		case len(names) == 1:
			name = names[0]
		default:
			return nil, fmt.Errorf("config has %d sessions, choose one with --session", len(names))
		}
		sc = cfg.Sessions[name]
	}
	if name == "" {
		name = "cli"
	}

	base, err := natsclient.NewOpener()
	if err != nil {
		return nil, err
	}
	return sessionDeps{base: base, logger: opts.logger}.newManager(name, sc)
}

func newQueryCommand(opts *cliOptions) *cobra.Command {
	var (
		sf            sessionFlags
		timeout       time.Duration
		target        string
		consolidation string
		body          string
	)

	cmd := &cobra.Command{
		Use:   "query <selector>",
		Short: "Send one query and print every reply as a JSON line",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			getOpts := transport.GetOptions{Timeout: option.Some(timeout)}
			if target != "" {
				t, err := transport.ParseQueryTarget(target)
				if err != nil {
					return err
				}
				getOpts.Target = option.Some(t)
			}
			if consolidation != "" {
				c, err := transport.ParseConsolidation(consolidation)
				if err != nil {
					return err
				}
				getOpts.Consolidation = option.Some(c)
			}

			m, err := sf.open(opts)
			if err != nil {
				return err
			}
			defer closeSession(m)

			engine, err := query.NewEngine(m, query.Config{Name: "cli"}, query.WithLogger(opts.logger))
			if err != nil {
				return err
			}

			req := query.Request{Selector: args[0], Options: getOpts}
			if body != "" {
				req.Payload = body
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout+5*time.Second)
			defer cancel()
			replies, queryErr := engine.Query(ctx, req)
			if err := printReplies(cmd.OutOrStdout(), replies); err != nil {
				return err
			}
			return queryErr
		},
	}
	sf.register(cmd)
	cmd.Flags().DurationVar(&timeout, "timeout", query.DefaultTimeout, "How long to collect replies")
	cmd.Flags().StringVar(&target, "target", "", "Query target: best_matching, all, all_complete")
	cmd.Flags().StringVar(&consolidation, "consolidation", "", "Consolidation: auto, none, monotonic, latest")
	cmd.Flags().StringVar(&body, "payload", "", "Payload sent with the query")
	return cmd
}

// replyLine is the printed form of one reply.
type replyLine struct {
	KeyExpr  string `json:"key_expr,omitempty"`
	Payload  any    `json:"payload,omitempty"`
	Encoding string `json:"encoding,omitempty"`
	Error    any    `json:"error,omitempty"`
}

func printReplies(w io.Writer, replies []query.Reply) error {
	enc := json.NewEncoder(w)
	for _, r := range replies {
		var line replyLine
		if r.OK() {
			line = replyLine{
				KeyExpr:  r.Success.KeyExpr.String(),
				Payload:  printable(payload.Value(r.Success.Payload, r.Success.Encoding)),
				Encoding: r.Success.Encoding,
			}
		} else {
			line = replyLine{
				Error:    printable(payload.Value(r.Failure.Payload, r.Failure.Encoding)),
				Encoding: r.Failure.Encoding,
			}
		}
		if err := enc.Encode(line); err != nil {
			return err
		}
	}
	return nil
}

// printable keeps raw bytes readable in JSON output.
func printable(v any) any {
	if b, ok := v.([]byte); ok {
		return fmt.Sprintf("%x", b)
	}
	return v
}

func newPutCommand(opts *cliOptions) *cobra.Command {
	var (
		sf       sessionFlags
		encoding string
		priority string
		express  bool
		asJSON   bool
	)

	cmd := &cobra.Command{
		Use:   "put <key> <payload>",
		Short: "Publish one sample",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			putOpts := transport.PutOptions{}
			if encoding != "" {
				putOpts.Encoding = option.Some(encoding)
			}
			if priority != "" {
				p, err := transport.ParsePriority(priority)
				if err != nil {
					return err
				}
				putOpts.Priority = option.Some(p)
			}
			if cmd.Flags().Changed("express") {
				putOpts.Express = option.Some(express)
			}

			var value any = args[1]
			if asJSON {
				var decoded any
				if err := json.Unmarshal([]byte(args[1]), &decoded); err != nil {
					return fmt.Errorf("payload is not JSON: %w", err)
				}
				value = decoded
			}

			m, err := sf.open(opts)
			if err != nil {
				return err
			}
			defer closeSession(m)

			pub, err := publish.NewPublisher(m, publish.Config{Name: "cli"}, publish.WithLogger(opts.logger))
			if err != nil {
				return err
			}
			if err := pub.Publish(cmd.Context(), publish.Request{KeyExpr: args[0], Payload: value, Options: putOpts}); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "published %s\n", args[0])
			return nil
		},
	}
	sf.register(cmd)
	cmd.Flags().StringVar(&encoding, "encoding", "", "Encoding announced with the sample")
	cmd.Flags().StringVar(&priority, "priority", "", "Priority: real_time, interactive_high, interactive_low, data_high, data, data_low, background")
	cmd.Flags().BoolVar(&express, "express", false, "Skip batching")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Parse the payload as JSON before encoding")
	return cmd
}

func closeSession(m *session.Manager) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = m.Close(ctx)
}
