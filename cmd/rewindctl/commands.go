package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/deckrewind/rewind/pkg/api"
	"github.com/deckrewind/rewind/pkg/config"
	"github.com/deckrewind/rewind/pkg/watcher"
)

func (c *cli) listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list [subject]",
		Short: "List checkpoints, newest first",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := c.client()
			if err != nil {
				return err
			}
			ctx, cancel := c.context(cmd)
			defer cancel()

			var subject string
			if len(args) == 1 {
				subject = args[0]
			}
			checkpoints, err := client.List(ctx, subject)
			if err != nil {
				return err
			}
			if c.jsonOutput {
				return c.printJSON(checkpoints)
			}
			printCheckpoints(c.out, checkpoints, time.Now())
			return nil
		},
	}
}

func printCheckpoints(out io.Writer, checkpoints []api.CheckpointInfo, now time.Time) {
	if len(checkpoints) == 0 {
		fmt.Fprintln(out, "No snapshots")
		return
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tMETHOD\tNAMED\tSIZE\tCREATED")
	for _, ckpt := range checkpoints {
		named := ""
		if ckpt.Named {
			named = "yes"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			ckpt.ID,
			ckpt.Method,
			named,
			humanize.IBytes(uint64(max(ckpt.SizeBytes, 0))),
			humanize.RelTime(ckpt.CreatedAt, now, "ago", "from now"),
		)
	}
	tw.Flush()
}

func (c *cli) checkpointCmd() *cobra.Command {
	var req api.CheckpointRequest
	cmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "Checkpoint the tracked game, or an explicit process",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if req.SubjectID != "" && req.PID <= 0 {
				return fmt.Errorf("--pid is required with --subject")
			}
			client, err := c.client()
			if err != nil {
				return err
			}
			ctx, cancel := c.context(cmd)
			defer cancel()

			c.log.WithFields(logrus.Fields{"subject": req.SubjectID, "pid": req.PID, "named": req.Named}).Debug("Requesting checkpoint")
			ckpt, err := client.Checkpoint(ctx, req)
			if err != nil {
				return err
			}
			if c.jsonOutput {
				return c.printJSON(ckpt)
			}
			fmt.Fprintf(c.out, "Created %s (%s, %s)\n", ckpt.ID, ckpt.Method, humanize.IBytes(uint64(max(ckpt.SizeBytes, 0))))
			return nil
		},
	}
	cmd.Flags().StringVar(&req.SubjectID, "subject", "", "Subject id (default: the tracked game)")
	cmd.Flags().IntVar(&req.PID, "pid", 0, "Process to checkpoint, required with --subject")
	cmd.Flags().StringVar(&req.DisplayName, "name", "", "Display name for notifications")
	cmd.Flags().BoolVar(&req.Named, "named", false, "Exclude the checkpoint from the rolling window")
	return cmd
}

func (c *cli) restoreCmd() *cobra.Command {
	var currentPID int
	cmd := &cobra.Command{
		Use:   "restore <checkpoint-id>",
		Short: "Restore a checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := c.client()
			if err != nil {
				return err
			}
			ctx, cancel := c.context(cmd)
			defer cancel()

			resp, err := client.Restore(ctx, api.RestoreRequest{CheckpointID: args[0], CurrentPID: currentPID})
			if err != nil {
				return err
			}
			if c.jsonOutput {
				return c.printJSON(resp.Result)
			}
			r := resp.Result
			fmt.Fprintf(c.out, "Restored %s into PID %d via %s in %s\n", r.CheckpointID, r.PID, r.Method, r.Duration.Round(time.Millisecond))
			if !r.Verify.OK() {
				c.log.WithField("failed_checks", r.Verify.FailedChecks).Warn("Restored process failed verification")
				fmt.Fprintf(c.out, "Warning: verification failed: %s\n", strings.Join(r.Verify.FailedChecks, ", "))
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&currentPID, "pid", 0, "Live process to replace (default: the checkpoint's PID)")
	return cmd
}

func (c *cli) deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <checkpoint-id>...",
		Short: "Delete checkpoints",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := c.client()
			if err != nil {
				return err
			}
			ctx, cancel := c.context(cmd)
			defer cancel()

			for _, id := range args {
				deleted, err := client.Delete(ctx, id)
				if err != nil {
					return err
				}
				if !deleted {
					fmt.Fprintf(c.out, "No checkpoint %s\n", id)
					continue
				}
				fmt.Fprintf(c.out, "Deleted %s\n", id)
			}
			return nil
		},
	}
}

func (c *cli) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the tracked game and rewind cursor",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := c.client()
			if err != nil {
				return err
			}
			ctx, cancel := c.context(cmd)
			defer cancel()

			status, err := client.Status(ctx)
			if err != nil {
				return err
			}
			if c.jsonOutput {
				return c.printJSON(status)
			}
			printStatus(c.out, status, time.Now())
			return nil
		},
	}
}

func printStatus(out io.Writer, st *watcher.Status, now time.Time) {
	if st.Subject == nil {
		fmt.Fprintln(out, "No active game")
		return
	}
	name := st.Subject.DisplayName
	if name == "" {
		name = st.Subject.ID
	}
	fmt.Fprintf(out, "Tracking:        %s (%s, PID %d)\n", name, st.Subject.ID, st.Subject.PID)
	fmt.Fprintf(out, "Cursor:          %d\n", st.CursorIndex)
	last := "never"
	if !st.LastCheckpoint.IsZero() {
		last = humanize.RelTime(st.LastCheckpoint, now, "ago", "from now")
	}
	fmt.Fprintf(out, "Last checkpoint: %s\n", last)
	fmt.Fprintf(out, "Pending jobs:    %d\n", st.Pending)
}

func (c *cli) commandCmd() *cobra.Command {
	valid := []string{
		string(watcher.RestoreLatest),
		string(watcher.StepBack),
		string(watcher.StepForward),
		string(watcher.ListCount),
		string(watcher.ManualCheckpoint),
	}
	return &cobra.Command{
		Use:       "command <kind>",
		Short:     "Send a hotkey command to the daemon (" + strings.Join(valid, ", ") + ")",
		Args:      cobra.ExactArgs(1),
		ValidArgs: valid,
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := watcher.ParseCommandKind(args[0])
			if err != nil {
				return err
			}
			client, err := c.client()
			if err != nil {
				return err
			}
			ctx, cancel := c.context(cmd)
			defer cancel()

			if err := client.Command(ctx, kind); err != nil {
				return err
			}
			fmt.Fprintf(c.out, "Queued %s\n", kind)
			return nil
		},
	}
}

func (c *cli) configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the daemon configuration",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "path",
			Short: "Print the config file path in use",
			Args:  cobra.NoArgs,
			Run: func(_ *cobra.Command, _ []string) {
				fmt.Fprintln(c.out, config.ResolvePath(c.configPath))
			},
		},
		&cobra.Command{
			Use:   "show",
			Short: "Print the effective configuration, defaults included",
			Args:  cobra.NoArgs,
			RunE: func(_ *cobra.Command, _ []string) error {
				cfg, err := config.LoadConfigOrDefault(config.ResolvePath(c.configPath))
				if err != nil {
					return err
				}
				if err := cfg.Validate(); err != nil {
					c.log.WithError(err).Warn("Configuration is invalid")
				}
				if c.jsonOutput {
					return c.printJSON(cfg)
				}
				enc := yaml.NewEncoder(c.out)
				enc.SetIndent(2)
				if err := enc.Encode(cfg); err != nil {
					return err
				}
				return enc.Close()
			},
		},
	)
	return cmd
}
