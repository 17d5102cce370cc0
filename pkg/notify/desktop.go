package notify

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"time"

	"github.com/go-logr/logr"

	"github.com/deckrewind/rewind/pkg/types"
)

const (
	notifySendBinary  = "notify-send"
	notifySendTimeout = 5 * time.Second
)

// Desktop shows events as freedesktop notifications through notify-send.
type Desktop struct {
	binary  string
	appName string
	expire  time.Duration
	log     logr.Logger

	// run executes the command; replaced in tests.
	run func(ctx context.Context, name string, args ...string) error
}

// NewDesktop returns a desktop sink, or an error if notify-send is not
// installed.
func NewDesktop(settings types.NotificationSettings, log logr.Logger) (*Desktop, error) {
	binary, err := exec.LookPath(notifySendBinary)
	if err != nil {
		return nil, fmt.Errorf("%s not found: %w", notifySendBinary, err)
	}
	return &Desktop{
		binary:  binary,
		appName: settings.AppName,
		expire:  time.Duration(settings.ExpireTime) * time.Millisecond,
		log:     log,
		run:     runCommand,
	}, nil
}

// Args returns the notify-send arguments for ev.
func (d *Desktop) Args(ev Event) []string {
	title := d.appName
	if t := ev.Title(); t != "" {
		title = t
	}
	args := []string{
		"-a", d.appName,
		"-u", string(ev.Urgency()),
		"-t", strconv.FormatInt(d.expire.Milliseconds(), 10),
	}
	if icon := ev.Icon(); icon != "" {
		args = append(args, "-i", icon)
	}
	return append(args, title, ev.Text())
}

func (d *Desktop) Notify(ctx context.Context, ev Event) {
	ctx, cancel := context.WithTimeout(ctx, notifySendTimeout)
	defer cancel()
	if err := d.run(ctx, d.binary, d.Args(ev)...); err != nil {
		d.log.Error(err, "Failed to show desktop notification", "kind", ev.Kind)
	}
}

func runCommand(ctx context.Context, name string, args ...string) error {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s failed: %w: %s", name, err, out)
	}
	return nil
}

// FromSettings builds the configured sinks. The log sink is always present;
// the desktop sink is added when enabled and available.
func FromSettings(settings types.NotificationSettings, log logr.Logger) Notifier {
	sinks := Multi{Log{Logger: log.WithName("notify")}}
	if settings.Desktop {
		desktop, err := NewDesktop(settings, log)
		if err != nil {
			log.Info("Desktop notifications unavailable", "error", err.Error())
		} else {
			sinks = append(sinks, desktop)
		}
	}
	return sinks
}
