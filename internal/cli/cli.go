package cli

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"slices"
	"strings"
)

const (
	CommandServe   = "serve"
	CommandAnalyze = "analyze"
)

// ErrUsage is returned for a missing or unknown subcommand.
var ErrUsage = errors.New("usage: deepscan serve [-addr :8080] [-env .env] | deepscan analyze (-file path | -url url | -dir path [-ext jpg,png] [-out results.json]) [-json] [-env .env]")

// DefaultExtensions are the file types picked up by analyze -dir.
const DefaultExtensions = "jpg,jpeg,png,bmp"

// CLIArgs are the command-line arguments for one invocation.
type CLIArgs struct {
	// Command is "serve" or "analyze".
	Command string

	// EnvFile is an optional dotenv file loaded before the environment.
	EnvFile string

	// Addr overrides the configured listen address for serve.
	Addr string

	// File, URL and Dir select the analyze input; exactly one is set.
	File string
	URL  string
	Dir  string

	// Exts are the lower-case extensions, without dots, scanned in Dir.
	Exts []string

	// Out is an optional JSON report path for a directory scan.
	Out string

	// JSON prints the full record instead of a summary.
	JSON bool

	// RawArgs is the original args slice (useful for debugging/tests).
	RawArgs []string
}

// ParseArgs parses a slice of args and returns CLIArgs. Use in tests by passing
// arbitrary slices. The function is deterministic and does not read os.Args.
func ParseArgs(args []string) (*CLIArgs, error) {
	if len(args) == 0 {
		return nil, ErrUsage
	}
	cmd := args[0]

	fs := flag.NewFlagSet("deepscan "+cmd, flag.ContinueOnError)
	envFile := fs.String("env", "", "Optional .env file with DEEPSCAN_* settings")

	out := &CLIArgs{Command: cmd, RawArgs: args}
	var exts string
	switch cmd {
	case CommandServe:
		fs.StringVar(&out.Addr, "addr", "", "Listen address (overrides DEEPSCAN_LISTEN_ADDR)")
	case CommandAnalyze:
		fs.StringVar(&out.File, "file", "", "Image file to analyze")
		fs.StringVar(&out.URL, "url", "", "Image or page URL to analyze")
		fs.StringVar(&out.Dir, "dir", "", "Directory of images to analyze")
		fs.StringVar(&exts, "ext", DefaultExtensions, "Comma-separated extensions scanned by -dir")
		fs.StringVar(&out.Out, "out", "", "Write the -dir report as JSON to this file")
		fs.BoolVar(&out.JSON, "json", false, "Print the full analysis record as JSON")
	default:
		return nil, fmt.Errorf("unknown command %q: %w", cmd, ErrUsage)
	}

	// Ensure Parse doesn't write to stdout/stderr in tests
	fs.SetOutput(io.Discard)

	if err := fs.Parse(args[1:]); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}
	out.EnvFile = *envFile

	if cmd == CommandAnalyze {
		inputs := 0
		for _, v := range []string{out.File, out.URL, out.Dir} {
			if strings.TrimSpace(v) != "" {
				inputs++
			}
		}
		if inputs != 1 {
			return nil, fmt.Errorf("analyze needs exactly one of -file, -url or -dir")
		}
		if out.Dir == "" && out.Out != "" {
			return nil, fmt.Errorf("-out is only valid with -dir")
		}
		if out.Dir != "" {
			out.Exts = ParseExtensions(exts)
			if len(out.Exts) == 0 {
				return nil, fmt.Errorf("-ext lists no extensions")
			}
		}
	}
	return out, nil
}

// ParseExtensions splits a comma-separated list into sorted, de-duplicated,
// lower-case extensions without leading dots.
func ParseExtensions(list string) []string {
	var out []string
	for _, e := range strings.Split(list, ",") {
		e = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(e), "."))
		if e != "" {
			out = append(out, e)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}
