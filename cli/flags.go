// Package cli parses command-line flags and wires every other package
// together into a runnable orchestration: load settings, build the
// optimizer and backend the settings select, start the communication
// server and console, and drive the orchestrator to completion.
package cli

import (
	"github.com/spf13/pflag"
)

// Args holds every configurable option passed on the command line,
// populated once by ParseFlags and handed to Run.
type Args struct {
	SettingsPath string

	LogLevel  string
	LogFormat string

	HostIP             string
	NonInteractive     bool
	RemoveJobsDirOnExit bool
	MetricsPort        int

	WebhookURL      string
	GitRevisionHook bool

	ShowVersion bool
}

// ParseFlags reads command-line flags into an Args.
func ParseFlags(argv []string) (Args, error) {
	fs := pflag.NewFlagSet("clusterutil", pflag.ContinueOnError)
	var args Args

	fs.StringVarP(&args.SettingsPath, "settings", "s", "", "Path to the settings JSON file (required)")
	fs.StringVar(&args.LogLevel, "log-level", "info", "Log level: debug, info, warn, error")
	fs.StringVar(&args.LogFormat, "log-format", "text", "Log format: text or json")
	fs.StringVar(&args.HostIP, "host-ip", "", "IP address the communication server binds to (auto-detected if empty)")
	fs.BoolVar(&args.NonInteractive, "no-interactive", false, "Disable the interactive console; progress bars are not shown")
	fs.BoolVar(&args.RemoveJobsDirOnExit, "remove-jobs-dir", false, "Remove the rendered run-script directory when the run ends")
	fs.IntVar(&args.MetricsPort, "metrics-port", 0, "Serve /metrics, /health and /ready on this port (0 disables)")
	fs.StringVar(&args.WebhookURL, "webhook-url", "", "Optional URL notified (JSON POST) around every job submission")
	fs.BoolVar(&args.GitRevisionHook, "git-revision-hook", false, "Capture `git rev-parse HEAD` in main_path into every job's metadata")
	fs.BoolVar(&args.ShowVersion, "version", false, "Print version information and exit")

	if err := fs.Parse(argv); err != nil {
		return Args{}, err
	}
	return args, nil
}
