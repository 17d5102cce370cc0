// Package main provides rewindctl, the command line client for the rewind
// daemon's control socket.
package main

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/deckrewind/rewind/pkg/api"
	"github.com/deckrewind/rewind/pkg/config"
)

const (
	exitSuccess = 0
	exitError   = 1

	defaultRequestTimeout = 2 * time.Minute
)

type cli struct {
	out        io.Writer
	log        *logrus.Logger
	socketPath string
	configPath string
	jsonOutput bool
	verbose    bool
	timeout    time.Duration
}

func main() {
	c, root := newRootCmd(os.Stdout, os.Stderr)
	if err := root.Execute(); err != nil {
		c.log.WithError(err).Error("Command failed")
		os.Exit(exitError)
	}
	os.Exit(exitSuccess)
}

func newRootCmd(out, errOut io.Writer) (*cli, *cobra.Command) {
	c := &cli{out: out, log: logrus.New()}
	c.log.SetOutput(errOut)
	c.log.SetFormatter(&logrus.TextFormatter{DisableColors: true})
	c.log.SetLevel(logrus.WarnLevel)

	root := &cobra.Command{
		Use:           "rewindctl",
		Short:         "Control the rewind checkpoint daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			if c.verbose {
				c.log.SetLevel(logrus.DebugLevel)
			}
		},
	}
	root.SetOut(out)
	root.SetErr(errOut)

	flags := root.PersistentFlags()
	flags.StringVar(&c.socketPath, "socket", "", "Control socket path (default from config)")
	flags.StringVar(&c.configPath, "config", "", "Path to config.yaml")
	flags.BoolVar(&c.jsonOutput, "json", false, "Print JSON instead of text")
	flags.BoolVarP(&c.verbose, "verbose", "v", false, "Verbose logging")
	flags.DurationVar(&c.timeout, "timeout", defaultRequestTimeout, "Request timeout")

	root.AddCommand(
		c.listCmd(),
		c.checkpointCmd(),
		c.restoreCmd(),
		c.deleteCmd(),
		c.statusCmd(),
		c.commandCmd(),
		c.configCmd(),
	)
	return c, root
}

// client resolves the socket from --socket, then from the config file.
func (c *cli) client() (*api.Client, error) {
	socket := c.socketPath
	if socket == "" {
		path := config.ResolvePath(c.configPath)
		cfg, err := config.LoadConfigOrDefault(path)
		if err != nil {
			return nil, err
		}
		socket = cfg.API.Socket
		c.log.WithFields(logrus.Fields{"config": path, "socket": socket}).Debug("Resolved control socket")
	}
	return api.NewClient(socket), nil
}

func (c *cli) context(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, c.timeout)
}

func (c *cli) printJSON(v any) error {
	enc := json.NewEncoder(c.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
