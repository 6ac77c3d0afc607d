// Command milterd is the production milter core: it accepts MTA
// connections, hands finished messages to an HTTP scanner, and replays
// the scanner's verdict back to the MTA.
package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/miltercore/scanmilter"
	"github.com/miltercore/scanmilter/internal/metrics"
	"github.com/miltercore/scanmilter/scanhttp"
	"github.com/miltercore/scanmilter/verdict"
)

func main() {
	app := &cli.App{
		Name:  "milterd",
		Usage: "milter-protocol front end for an HTTP mail scanner",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "listen", Value: "tcp://127.0.0.1:8890", Usage: "listen address, tcp://host:port or unix:///path"},
			&cli.StringFlag{Name: "scanner-url", Value: "http://127.0.0.1:11333", Usage: "base URL of the HTTP scanner backend"},
			&cli.StringFlag{Name: "spam-header", Value: "X-Spam", Usage: "header name set by the add_header verdict action"},
			&cli.BoolFlag{Name: "discard-on-reject", Value: false, Usage: "discard instead of reject by default"},
			&cli.DurationFlag{Name: "session-timeout", Value: 2 * time.Minute, Usage: "per-session MTA read timeout"},
			&cli.DurationFlag{Name: "scan-timeout", Value: 30 * time.Second, Usage: "HTTP timeout for the scanner request"},
			&cli.IntFlag{Name: "metrics-port", Value: 9890, Usage: "port to serve Prometheus metrics on, 0 disables"},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("milterd: logger: %w", err)
	}
	defer logger.Sync()

	scanClient := &http.Client{Timeout: c.Duration("scan-timeout")}
	scannerURL := c.String("scanner-url")
	spamHeader := c.String("spam-header")
	sessionTimeout := c.Duration("session-timeout")

	milter.Init(milter.Options{
		SpamHeader:      spamHeader,
		DiscardOnReject: c.Bool("discard-on-reject"),
		SessionTimeout:  sessionTimeout,
		Logger:          logger,
	})

	network, address, err := parseListen(c.String("listen"))
	if err != nil {
		return err
	}
	l, err := net.Listen(network, address)
	if err != nil {
		return fmt.Errorf("milterd: listen: %w", err)
	}
	logger.Info("listening", zap.String("network", network), zap.String("address", address))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if port := c.Int("metrics-port"); port > 0 {
		go serveMetrics(logger, port)
	}

	newHandler := func() (milter.FinishFunc, milter.ErrorFunc, any) {
		fin := func(reqCtx context.Context, s *milter.Session) {
			handleFinish(logger, scanClient, scannerURL, spamHeader, s)
		}
		errFn := func(s *milter.Session, err error) {
			logger.Warn("session error", zap.String("session_id", s.ID), zap.Error(err))
		}
		return fin, errFn, nil
	}

	return milter.ListenAndServe(ctx, l, newHandler)
}

// handleFinish is the FinishFunc: it renders the session as an HTTP scan
// request, posts it, decodes the verdict, and replays it. It retains the
// session across the HTTP round trip since it runs on the same goroutine
// as the read loop that would otherwise be blocked in Read waiting for
// QUIT — retaining costs nothing extra here, but keeps the contract
// consistent with a hypothetical goroutine-per-scan variant.
func handleFinish(logger *zap.Logger, client *http.Client, scannerURL, spamHeader string, s *milter.Session) {
	s.Retain()
	defer s.Release()

	ctx, cancel := context.WithTimeout(context.Background(), client.Timeout)
	defer cancel()

	start := time.Now()
	req, err := scanhttp.NewRequest(ctx, scannerURL, s)
	if err != nil {
		logger.Error("build scan request", zap.Error(err))
		s.Encoder().TempFail()
		return
	}

	resp, err := client.Do(req)
	metrics.ScanRequestDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		logger.Error("scan request failed", zap.Error(err))
		s.Encoder().TempFail()
		return
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		logger.Error("read scan response", zap.Error(err))
		s.Encoder().TempFail()
		return
	}

	v, err := verdict.Parse(body)
	if err != nil {
		logger.Error("parse verdict", zap.Error(err))
		s.Encoder().TempFail()
		return
	}

	if err := verdict.Apply(s, spamHeader, v); err != nil {
		logger.Error("apply verdict", zap.Error(err))
		s.Encoder().TempFail()
	}
}

func parseListen(spec string) (network, address string, err error) {
	switch {
	case len(spec) > len("unix://") && spec[:len("unix://")] == "unix://":
		return "unix", spec[len("unix://"):], nil
	case len(spec) > len("tcp://") && spec[:len("tcp://")] == "tcp://":
		return "tcp", spec[len("tcp://"):], nil
	default:
		return "", "", fmt.Errorf("milterd: unsupported listen scheme in %q", spec)
	}
}

func serveMetrics(logger *zap.Logger, port int) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	addr := fmt.Sprintf(":%d", port)
	logger.Info("serving metrics", zap.String("address", addr))
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("metrics server stopped", zap.Error(err))
	}
}
