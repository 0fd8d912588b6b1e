package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/tsclock/internal/api"
	"github.com/zsiec/tsclock/internal/certs"
	"github.com/zsiec/tsclock/internal/config"
	"github.com/zsiec/tsclock/internal/engine"
	"github.com/zsiec/tsclock/internal/ingest"
	"github.com/zsiec/tsclock/internal/ingest/srt"
	"github.com/zsiec/tsclock/internal/pipeline"
	"github.com/zsiec/tsclock/internal/report"
	"github.com/zsiec/tsclock/internal/session"
)

// app holds what every session shares.
type app struct {
	log *slog.Logger
	out io.Writer
	// errOut receives progress lines.
	errOut io.Writer

	cfg       *config.Config
	engine    engine.Config
	pacing    engine.Pacing
	pacingSet bool
	stopAfter time.Duration

	mgr       *session.Manager
	registry  *ingest.Registry
	srtCaller *srt.Caller
	feed      *api.Hub
}

func run(cmd *cobra.Command, o *options) error {
	cfg, err := o.resolve(cmd)
	if err != nil {
		return err
	}
	if cfg.Input.URL == "" {
		return errors.New("no input: give -i or input.url")
	}
	ec, err := cfg.EngineConfig()
	if err != nil {
		return err
	}
	stopAfter, err := cfg.StopAfter()
	if err != nil {
		return err
	}
	pacing, pacingSet, err := cfg.Pacing()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			slog.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	log := slog.Default()
	a := &app{
		log:       log,
		out:       cmd.OutOrStdout(),
		errOut:    cmd.ErrOrStderr(),
		cfg:       cfg,
		engine:    ec,
		pacing:    pacing,
		pacingSet: pacingSet,
		stopAfter: stopAfter,
		mgr:       session.NewManager(log),
		feed:      api.NewHub(log),
	}
	a.mgr.Opts = func(s *session.Session) []pipeline.Opt {
		f := a.feed.Session(s.ID)
		return []pipeline.Opt{pipeline.OptObserver(f), pipeline.OptTrendSink(f)}
	}

	slog.Info("tsclock starting",
		"version", resolveVersion(),
		"input", cfg.Input.URL,
		"api", cfg.API.Addr,
	)

	g, ctx := errgroup.WithContext(ctx)

	// The registry and caller capture the errgroup context so pulled and
	// published streams stop with everything else.
	a.registry = ingest.NewRegistry(func(s *ingest.Stream, input io.Reader) {
		if err := a.analyse(ctx, s.Key, s.Protocol, input, 0, true); err != nil {
			slog.Error("session failed", "key", s.Key, "error", err)
		}
	})
	a.srtCaller = srt.NewCaller(a.registry, log)

	if cfg.API.Addr != "" {
		srv, err := a.apiServer()
		if err != nil {
			return err
		}
		g.Go(func() error {
			return srv.Start(ctx)
		})
	}

	u, err := url.Parse(cfg.Input.URL)
	if err == nil && u.Scheme == "srt" && srt.IsListener(u) {
		srtSrv := srt.NewServer(u.Host, a.registry, log)
		g.Go(func() error {
			return srtSrv.Start(ctx)
		})
	} else {
		g.Go(func() error {
			// A single input ends the run, API included.
			defer cancel()
			return a.single(ctx)
		})
	}

	return g.Wait()
}

func (a *app) apiServer() (*api.Server, error) {
	validity, err := a.cfg.CertValidity()
	if err != nil {
		return nil, err
	}
	cert, err := certs.Generate(validity)
	if err != nil {
		return nil, fmt.Errorf("generate certificate: %w", err)
	}
	slog.Info("certificate generated",
		"fingerprint", cert.FingerprintBase64(),
		"expires", cert.NotAfter.Format(time.RFC3339),
	)
	return api.NewServer(api.ServerConfig{
		Addr:         a.cfg.API.Addr,
		Cert:         cert,
		Sessions:     a.mgr,
		Feed:         a.feed,
		IngestLookup: a.lookupIngest,
		SRT:          a.srtCaller,
		Log:          a.log,
	})
}

func (a *app) lookupIngest(key string) *ingest.IngestStats {
	stream, ok := a.registry.Lookup(key)
	if !ok {
		return nil
	}
	s := stream.Stats()
	return &s
}

// single analyses the configured input as one session.
func (a *app) single(ctx context.Context) error {
	in, err := ingest.Open(ctx, a.cfg.Input.URL, a.log)
	if err != nil {
		return err
	}
	defer in.Close()
	return a.analyse(ctx, in.URL, in.Protocol, in, in.Size, in.Live)
}

// analyse runs one session and prints its closing reports.
func (a *app) analyse(ctx context.Context, key, protocol string, input io.Reader, size int64, live bool) error {
	ec := a.engine
	switch {
	case a.pacingSet:
		ec.Pacing = a.pacing
	case live:
		ec.Pacing = engine.PacingRealtime
	default:
		ec.Pacing = engine.PacingStream
	}

	rc := a.cfg.Report
	printer := report.New(a.out, report.Options{
		SCR:        rc.SCR,
		PES:        rc.PES,
		Reorder:    ec.Reorder,
		HexDump:    rc.HexDump,
		TrendLevel: rc.TrendLevel,
	})

	pcfg := pipeline.Config{
		Engine: ec,
		Reporter: engine.ReporterConfig{
			Level:     rc.TrendLevel,
			ExportDir: rc.ExportDir,
		},
		StopAfter: a.stopAfter,
		Size:      size,
	}
	if rc.Progress && size > 0 {
		pcfg.Progress = func(pos, total uint64) { report.Progress(a.errOut, pos, total) }
	}

	popts := []pipeline.Opt{pipeline.OptObserver(printer)}
	if rc.TrendLevel > 0 {
		popts = append(popts, pipeline.OptTrendSink(printer))
	}
	if rc.HexDump > 0 {
		popts = append(popts, pipeline.OptPacketHook(printer.Packet))
	}

	s, ok, err := a.mgr.Run(ctx, key, protocol, input, pcfg, popts...)
	if !ok {
		// Unblock the publisher until its connection is dropped.
		_, _ = io.Copy(io.Discard, input)
		return nil
	}

	e := s.Pipeline.Engine()
	if rc.TrendLevel > 0 {
		for _, t := range e.Trends() {
			printer.OnTrend(t)
		}
	}
	if rc.Progress && size > 0 {
		fmt.Fprintln(a.errOut)
	}
	report.PIDReport(a.out, e.PIDs())
	if ec.Reorder {
		ordered := e.Reordered()
		pids := make([]uint16, 0, len(ordered))
		for pid := range ordered {
			pids = append(pids, pid)
		}
		sort.Slice(pids, func(i, j int) bool { return pids[i] < pids[j] })
		for _, pid := range pids {
			report.OrderedDump(a.out, pid, ordered[pid])
		}
	}
	return err
}
