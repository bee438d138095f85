package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bytedance/sonic"
	"github.com/dop251/goja"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	apihttp "github.com/GriffinCanCode/webmonkey/internal/api/http"
	"github.com/GriffinCanCode/webmonkey/internal/domain/host"
	"github.com/GriffinCanCode/webmonkey/internal/engine/assembler"
	"github.com/GriffinCanCode/webmonkey/internal/engine/inject"
	"github.com/GriffinCanCode/webmonkey/internal/engine/sandbox"
	"github.com/GriffinCanCode/webmonkey/internal/infrastructure/config"
	"github.com/GriffinCanCode/webmonkey/internal/infrastructure/logging"
	"github.com/GriffinCanCode/webmonkey/internal/infrastructure/server"
	"github.com/GriffinCanCode/webmonkey/internal/userscript"
)

type options struct {
	configPath string
	scriptsDir string
	verbose    bool
}

func newRootCmd(out io.Writer) *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:   "webmonkey",
		Short: "Run user scripts against web pages",
		Long: `webmonkey installs user scripts and injects them into loaded documents,
each in its own sandbox with the GM_* API.

Examples:
  webmonkey serve --config webmonkey.toml
  webmonkey run --url http://example.com/ --html page.html
  webmonkey check script.user.js
  webmonkey scripts disable http://example.com/MyScript`,
		Version:       fmt.Sprintf("%s (%s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)

	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "TOML config file layered over the environment")
	root.PersistentFlags().StringVar(&opts.scriptsDir, "scripts", "", "scripts directory (overrides config)")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "debug logging to stderr")

	root.AddCommand(
		newServeCmd(opts),
		newRunCmd(opts),
		newCheckCmd(),
		newScriptsCmd(opts),
		newInstallCmd(opts),
	)
	return root
}

func (o *options) load() (*config.Config, *logging.Logger, error) {
	cfg, err := config.LoadFile(o.configPath)
	if err != nil {
		return nil, nil, err
	}
	if o.scriptsDir != "" {
		cfg.Engine.ScriptsDir = o.scriptsDir
	}
	if o.verbose {
		cfg.Logging.Level = "debug"
		cfg.Logging.Development = true
	}

	logger := logging.Nop()
	if o.verbose {
		logger, err = logging.New(logging.FromConfig(cfg.Logging))
		if err != nil {
			return nil, nil, err
		}
	}
	return cfg, logger, nil
}

func (o *options) host() (*host.Host, *logging.Logger, error) {
	cfg, logger, err := o.load()
	if err != nil {
		return nil, nil, err
	}
	h, err := host.New(cfg, logger.Logger, nil)
	if err != nil {
		return nil, nil, err
	}
	return h, logger, nil
}

func newServeCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the engine over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := opts.load()
			if err != nil {
				return err
			}
			logger, err := logging.New(logging.FromConfig(cfg.Logging))
			if err != nil {
				return err
			}

			srv, err := server.NewServer(cfg, logger)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			errChan := make(chan error, 1)
			go func() { errChan <- srv.Run() }()

			select {
			case <-ctx.Done():
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				return srv.Close(shutdownCtx)
			case err := <-errChan:
				return err
			}
		},
	}
}

func newRunCmd(opts *options) *cobra.Command {
	var pageURL, htmlPath string
	var withHTML bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Inject matching scripts into a page and print the outcome as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			markup := "<html><head></head><body></body></html>"
			if htmlPath != "" {
				data, err := os.ReadFile(htmlPath)
				if err != nil {
					return fmt.Errorf("read page: %w", err)
				}
				markup = string(data)
			}

			h, logger, err := opts.host()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			outcome := h.DocumentReady(cmd.Context(), inject.Document{URL: pageURL, HTML: markup}, "")
			if !withHTML {
				outcome.HTML = ""
			}
			if err := writeJSON(cmd.OutOrStdout(), outcome); err != nil {
				return err
			}
			if n := outcome.Failed(); n > 0 {
				return fmt.Errorf("%d script(s) failed", n)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&pageURL, "url", "", "URL of the page")
	cmd.Flags().StringVar(&htmlPath, "html", "", "file holding the page markup")
	cmd.Flags().BoolVar(&withHTML, "print-html", false, "include the resulting markup")
	_ = cmd.MarkFlagRequired("url")
	return cmd
}

// checkResult is one file's static check.
type checkResult struct {
	File     string   `json:"file"`
	ID       string   `json:"id,omitempty"`
	Includes []string `json:"includes,omitempty"`
	Excludes []string `json:"excludes,omitempty"`
	Requires []string `json:"requires,omitempty"`
	Error    string   `json:"error,omitempty"`
}

func newCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check FILE...",
		Short: "Parse metadata and compile user script files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			results := make([]checkResult, 0, len(args))
			failed := 0
			for _, file := range args {
				r := checkFile(file)
				if r.Error != "" {
					failed++
				}
				results = append(results, r)
			}
			if err := writeJSON(cmd.OutOrStdout(), results); err != nil {
				return err
			}
			if failed > 0 {
				return fmt.Errorf("%d file(s) failed the check", failed)
			}
			return nil
		},
	}
}

func checkFile(file string) checkResult {
	r := checkResult{File: file}

	data, err := os.ReadFile(file)
	if err != nil {
		r.Error = err.Error()
		return r
	}

	s := &userscript.Script{FileURL: "file://" + file, Body: string(data)}
	meta, err := userscript.ParseMetadata(s.Body)
	switch {
	case errors.Is(err, userscript.ErrNoMetadata):
		meta = &userscript.Metadata{Includes: []string{"*"}}
	case err != nil:
		r.Error = err.Error()
		return r
	}
	meta.Apply(s)
	r.ID, r.Includes, r.Excludes, r.Requires = s.ID, s.Includes, s.Excludes, meta.Requires

	asm, err := assembler.Assemble(s)
	if err != nil {
		r.Error = err.Error()
		return r
	}
	wrapped := sandbox.Wrap(sandbox.StrategyFor(s), asm.Source, nil)
	if _, err := goja.Compile(file, wrapped.Source, false); err != nil {
		r.Error = err.Error()
	}
	return r
}

func newScriptsCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scripts",
		Short: "List installed scripts",
		RunE: func(cmd *cobra.Command, args []string) error {
			h, _, err := opts.host()
			if err != nil {
				return err
			}
			views := make([]apihttp.ScriptView, 0)
			for _, s := range h.Scripts() {
				views = append(views, apihttp.NewScriptView(s))
			}
			return writeJSON(cmd.OutOrStdout(), views)
		},
	}

	toggle := func(use string, enabled bool) *cobra.Command {
		return &cobra.Command{
			Use:   use + " ID",
			Short: use + " a script",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				h, _, err := opts.host()
				if err != nil {
					return err
				}
				if err := h.SetScriptEnabled(args[0], enabled); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: enabled=%t\n", args[0], enabled)
				return nil
			},
		}
	}
	cmd.AddCommand(toggle("enable", true), toggle("disable", false))
	return cmd
}

func newInstallCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "install URL",
		Short: "Download and install a user script",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, logger, err := opts.host()
			if err != nil {
				return err
			}
			inst := h.QueueInstall(args[0])
			logger.Debug("confirming install", zap.String("install", inst.ID.String()))

			s, err := h.ConfirmInstall(cmd.Context(), inst.ID)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), apihttp.NewScriptView(s))
		},
	}
}

func writeJSON(w io.Writer, v any) error {
	data, err := sonic.ConfigStd.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}
