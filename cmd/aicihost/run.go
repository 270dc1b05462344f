package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli/v3"

	"github.com/reglet-dev/aici-sdk/go/config"
	"github.com/reglet-dev/aici-sdk/go/host"
	"github.com/reglet-dev/aici-sdk/go/tokenizer"
)

type runOptions struct {
	configPath  string
	guest       string
	vocab       string
	prompt      string
	promptText  string
	arg         string
	argFile     string
	stop        string
	policy      string
	logLevel    string
	logFormat   string
	metricsFile string
	maxTokens   int
	maxNew      int
	echo        bool
}

func runCmd() *cli.Command {
	var o runOptions

	return &cli.Command{
		Name:  "run",
		Usage: "Run one generation against a guest controller with greedy sampling",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "YAML config file", Value: "aicihost.yaml", Destination: &o.configPath},
			&cli.StringFlag{Name: "guest", Aliases: []string{"g"}, Usage: "guest WASM module", Destination: &o.guest},
			&cli.StringFlag{Name: "vocab", Usage: "tokenizer.json, JSON vocabulary or encoded .trie", Destination: &o.vocab},
			&cli.StringFlag{Name: "prompt", Usage: "prompt token ids, comma separated", Destination: &o.prompt},
			&cli.StringFlag{Name: "prompt-text", Usage: "prompt text, tokenized greedily", Destination: &o.promptText},
			&cli.StringFlag{Name: "arg", Usage: "session argument", Destination: &o.arg},
			&cli.StringFlag{Name: "arg-file", Usage: "read the session argument from a file", Destination: &o.argFile},
			&cli.StringFlag{Name: "stop", Usage: "stop token ids, comma separated", Destination: &o.stop},
			&cli.StringFlag{Name: "failure-policy", Usage: "terminate or noop", Destination: &o.policy},
			&cli.StringFlag{Name: "log-level", Usage: "debug, info, warn or error", Value: "info", Destination: &o.logLevel},
			&cli.StringFlag{Name: "log-format", Usage: "text or json", Value: "text", Destination: &o.logFormat},
			&cli.StringFlag{Name: "metrics-file", Usage: "write Prometheus metrics here after the run", Destination: &o.metricsFile},
			&cli.IntFlag{Name: "max-tokens", Usage: "total positions including the prompt (0 = prompt + max-new-tokens)", Destination: &o.maxTokens},
			&cli.IntFlag{Name: "max-new-tokens", Usage: "tokens to generate when max-tokens is 0", Value: host.DefaultMaxNewTokens, Destination: &o.maxNew},
			&cli.BoolFlag{Name: "echo", Usage: "stream guest output to stderr", Destination: &o.echo},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := config.Load(o.configPath)
			if err != nil {
				return err
			}
			applyRunConfig(cmd, cfg, &o)
			return run(ctx, cmd.Root().Writer, cmd.Root().ErrWriter, cfg, o)
		},
	}
}

// applyRunConfig fills options whose flag was not set from the config file.
func applyRunConfig(cmd *cli.Command, cfg *config.Config, o *runOptions) {
	if cfg.Guest != "" && !cmd.IsSet("guest") {
		o.guest = cfg.Guest
	}
	if cfg.Vocab != "" && !cmd.IsSet("vocab") {
		o.vocab = cfg.Vocab
	}
	if len(cfg.Stop) > 0 && !cmd.IsSet("stop") {
		o.stop = formatIDs(cfg.Stop)
	}
	if cfg.FailurePolicy != "" && !cmd.IsSet("failure-policy") {
		o.policy = cfg.FailurePolicy
	}
	if cfg.LogLevel != "" && !cmd.IsSet("log-level") {
		o.logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !cmd.IsSet("log-format") {
		o.logFormat = cfg.LogFormat
	}
	if cfg.MetricsFile != "" && !cmd.IsSet("metrics-file") {
		o.metricsFile = cfg.MetricsFile
	}
	if cfg.MaxNewTokens > 0 && !cmd.IsSet("max-new-tokens") {
		o.maxNew = int(cfg.MaxNewTokens)
	}
}

func run(ctx context.Context, stdout, stderr io.Writer, cfg *config.Config, o runOptions) error {
	if o.guest == "" {
		return errors.New("no guest module: set --guest or guest in the config file")
	}
	if o.vocab == "" {
		return errors.New("no vocabulary: set --vocab or vocab in the config file")
	}
	if o.maxTokens < 0 || o.maxNew < 0 {
		return errors.New("token limits must not be negative")
	}
	policy, ok := host.ParseFailurePolicy(o.policy)
	if !ok {
		return fmt.Errorf("invalid failure policy %q", o.policy)
	}

	logger, err := newLogger(stderr, o.logLevel, o.logFormat)
	if err != nil {
		return err
	}

	trie, err := loadTrie(o.vocab)
	if err != nil {
		return err
	}
	greedy := tokenizer.NewGreedy(trie)

	prompt, err := parseIDs(o.prompt)
	if err != nil {
		return err
	}
	if o.promptText != "" {
		ids, err := greedy.Encode([]byte(o.promptText))
		if err != nil {
			return fmt.Errorf("failed to tokenize prompt: %w", err)
		}
		prompt = append(prompt, ids...)
	}
	stop, err := parseIDs(o.stop)
	if err != nil {
		return err
	}
	arg := []byte(o.arg)
	if o.argFile != "" {
		if arg, err = os.ReadFile(o.argFile); err != nil {
			return fmt.Errorf("failed to read argument: %w", err)
		}
	}

	wasm, err := os.ReadFile(o.guest)
	if err != nil {
		return fmt.Errorf("failed to read guest: %w", err)
	}

	reg := prometheus.NewRegistry()
	metrics, err := host.NewMetrics(reg)
	if err != nil {
		return err
	}

	opts := append(cfg.RuntimeOptions(),
		host.WithTrie(trie),
		host.WithTokenizer(greedy),
		host.WithLogger(logger),
		host.WithMetrics(metrics),
		host.WithFailurePolicy(policy),
		host.WithMaxNewTokens(uint32(o.maxNew)), //nolint:gosec // G115: checked non-negative
	)
	if o.echo {
		opts = append(opts, host.WithPrintWriter(stderr))
	}
	rt, err := host.NewRuntime(ctx, wasm, opts...)
	if err != nil {
		return err
	}
	defer rt.Close(ctx) //nolint:errcheck // sessions are already closed

	res, runErr := rt.Generate(ctx, host.Request{
		Prompt:    prompt,
		Arg:       arg,
		MaxTokens: uint32(o.maxTokens), //nolint:gosec // G115: checked non-negative
	}, &host.GreedySampler{Stop: stop})
	if res != nil {
		printResult(stdout, greedy, prompt, res)
	}

	if o.metricsFile != "" {
		if err := prometheus.WriteToTextfile(o.metricsFile, reg); err != nil {
			logger.ErrorContext(ctx, "failed to write metrics", "path", o.metricsFile, "error", err)
		}
	}
	return runErr
}

func printResult(w io.Writer, dec *tokenizer.Greedy, prompt []uint32, res *host.Result) {
	generated := res.Tokens[len(prompt):]
	_, _ = fmt.Fprintf(w, "request:  %s\n", res.RequestID)
	_, _ = fmt.Fprintf(w, "reason:   %s\n", res.Reason)
	_, _ = fmt.Fprintf(w, "tokens:   %s\n", formatIDs(generated))
	if text, err := dec.Decode(generated); err == nil {
		_, _ = fmt.Fprintf(w, "text:     %q\n", text)
	}
	_, _ = fmt.Fprintf(w, "mask:     %v\n", res.Mask)
	if res.Degraded != nil {
		_, _ = fmt.Fprintf(w, "degraded: %v\n", res.Degraded)
	}
	if res.Output != "" {
		_, _ = fmt.Fprintf(w, "output:\n%s\n", res.Output)
	}
}
