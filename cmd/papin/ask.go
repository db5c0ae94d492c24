package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/PolycarpusTack/papin/internal/config"
	"github.com/PolycarpusTack/papin/internal/connectivity"
	"github.com/PolycarpusTack/papin/internal/credentials"
	"github.com/PolycarpusTack/papin/internal/outcome"
	"github.com/PolycarpusTack/papin/internal/router"
	"github.com/PolycarpusTack/papin/internal/session"
	"github.com/PolycarpusTack/papin/pkg/engine"
)

type requestFlags struct {
	model    string
	provider string
	stream   bool
	timeout  time.Duration
}

func (f *requestFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.model, "model", "m", "", "Model id (default from config)")
	cmd.Flags().StringVarP(&f.provider, "provider", "p", "auto", "Provider: auto, remote or local")
	cmd.Flags().BoolVarP(&f.stream, "stream", "s", true, "Stream the answer")
	cmd.Flags().DurationVarP(&f.timeout, "timeout", "t", 0, "Fail the request after this long")
}

func (f *requestFlags) descriptor(payload string) (engine.RequestDescriptor, error) {
	desc := engine.RequestDescriptor{
		ModelID:   f.model,
		Payload:   payload,
		Streaming: f.stream,
	}

	switch strings.ToLower(f.provider) {
	case "", "auto":
	case "remote":
		desc.ProviderOverride = router.Remote
	case "local":
		desc.ProviderOverride = router.Local
	default:
		return desc, fmt.Errorf("unknown provider %q (want auto, remote or local)", f.provider)
	}

	if f.timeout > 0 {
		desc.Deadline = time.Now().Add(f.timeout)
	}
	return desc, nil
}

func newAskCmd() *cobra.Command {
	var flags requestFlags

	cmd := &cobra.Command{
		Use:   "ask [prompt]",
		Short: "Send one prompt and print the answer",
		Long:  "Send one prompt and print the answer. Use '-' to read the prompt from stdin.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prompt := strings.Join(args, " ")
			if prompt == "-" {
				data, err := io.ReadAll(os.Stdin)
				if err != nil {
					return fmt.Errorf("read prompt: %w", err)
				}
				prompt = string(data)
			}
			if strings.TrimSpace(prompt) == "" {
				return errors.New("empty prompt")
			}

			desc, err := flags.descriptor(prompt)
			if err != nil {
				return err
			}

			cfg, logger, err := setup(false)
			if err != nil {
				return err
			}
			defer logger.Close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			eng, err := engine.New(cfg, engine.WithLogger(logger.Zerolog()))
			if err != nil {
				return err
			}
			defer eng.Close()

			sh := openSession(ctx, eng, desc.ProviderOverride)
			return runRequest(ctx, eng, sh, desc)
		},
	}

	flags.register(cmd)
	return cmd
}

func newChatCmd() *cobra.Command {
	var flags requestFlags

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Interactive prompt loop",
		Long: `Read prompts line by line and answer each one. Connectivity and session
changes are printed as they happen. Type /status for the engine status and
/quit to leave.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := flags.descriptor(""); err != nil {
				return err
			}

			cfg, logger, err := setup(false)
			if err != nil {
				return err
			}
			defer logger.Close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			eng, err := engine.New(cfg, engine.WithLogger(logger.Zerolog()))
			if err != nil {
				return err
			}
			defer eng.Close()

			if h := eng.MetricsHandler(); h != nil {
				go serveMetrics(ctx, cfg, h, logger.Component("metrics"))
			}

			eng.OnConnectivityChange(func(t connectivity.Transition) {
				fmt.Fprintln(os.Stderr, dimStyle.Render(fmt.Sprintf("· network %s → %s", t.From, t.To)))
			})
			eng.OnSessionState(func(c session.Change) {
				fmt.Fprintln(os.Stderr, dimStyle.Render(fmt.Sprintf("· session %s → %s", c.From, c.To)))
			})

			fmt.Println(titleStyle.Render("papin chat") + dimStyle.Render("  /status, /quit"))
			sh := openSession(ctx, eng, "")

			lines := make(chan string)
			go func() {
				defer close(lines)
				scanner := bufio.NewScanner(os.Stdin)
				for scanner.Scan() {
					lines <- scanner.Text()
				}
			}()

			for {
				fmt.Print(successStyle.Render("> "))
				var line string
				select {
				case <-ctx.Done():
					fmt.Println()
					return nil
				case l, ok := <-lines:
					if !ok {
						fmt.Println()
						return nil
					}
					line = strings.TrimSpace(l)
				}

				switch line {
				case "":
					continue
				case "/quit", "/exit":
					return nil
				case "/status":
					printStatus(eng.Status())
					continue
				}

				desc, _ := flags.descriptor(line)
				reqCtx, cancel := context.WithCancel(ctx)
				if err := runRequest(reqCtx, eng, sh, desc); err != nil {
					fmt.Fprintln(os.Stderr, errorStyle.Render("Error: ")+err.Error())
				}
				cancel()
			}
		},
	}

	flags.register(cmd)
	return cmd
}

// openSession connects to the remote endpoint. A failure is reported and
// the engine carries on: requests then route to the local model or rely on
// auto-connect.
func openSession(ctx context.Context, eng *engine.Engine, override router.ProviderKind) *engine.SessionHandle {
	if override == router.Local {
		return nil
	}
	sh, err := eng.OpenSession(ctx, credentials.Credentials{})
	if err != nil {
		fmt.Fprintln(os.Stderr, warnStyle.Render("remote unavailable: ")+dimStyle.Render(err.Error()))
		return nil
	}
	return sh
}

// runRequest submits desc and prints its outcomes until the terminal one.
func runRequest(ctx context.Context, eng *engine.Engine, sh *engine.SessionHandle, desc engine.RequestDescriptor) error {
	req, err := eng.Submit(ctx, sh, desc)
	if err != nil {
		return err
	}

	go func() {
		select {
		case <-ctx.Done():
			req.Cancel()
		case <-req.Done():
		}
	}()

	printed := false
	for o := range req.Outcomes() {
		switch o.Kind {
		case outcome.Chunk:
			fmt.Print(o.Payload)
			printed = true
		case outcome.Complete:
			if !printed {
				fmt.Print(o.Payload)
			}
			fmt.Println()
			printDecision(req)
			return nil
		case outcome.Failed:
			if printed {
				fmt.Println()
			}
			printDecision(req)
			return o.Err
		}
	}
	return errors.New("request ended without an outcome")
}

func printDecision(req *engine.RequestHandle) {
	d, ok := req.Decision()
	if !ok {
		return
	}
	line := fmt.Sprintf("%s · %s · %s", d.Provider, d.Model, d.Reason)
	if d.Failover {
		fmt.Fprintln(os.Stderr, warnStyle.Render("failed over: ")+dimStyle.Render(line))
		return
	}
	fmt.Fprintln(os.Stderr, dimStyle.Render(line))
}

// serveMetrics exposes /metrics until ctx is cancelled.
func serveMetrics(ctx context.Context, cfg *config.Config, h http.Handler, logger zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", h)
	srv := &http.Server{Addr: cfg.Metrics.ListenAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info().Str("addr", cfg.Metrics.ListenAddr).Msg("serving metrics")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Warn().Err(err).Msg("metrics server stopped")
	}
}
