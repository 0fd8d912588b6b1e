package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/spf13/cobra"

	"github.com/zsiec/tsclock/internal/clock"
	"github.com/zsiec/tsclock/internal/mpegts"
	"github.com/zsiec/tsclock/internal/trend"
	"github.com/zsiec/tsclock/internal/tsgen"
)

var selftestCmd = &cobra.Command{
	Use:       "selftest clock|trend",
	Short:     "Check the clock arithmetic or the trend fit",
	Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{"clock", "trend"},
	RunE: func(cmd *cobra.Command, args []string) error {
		if args[0] == "clock" {
			return selftestClock(cmd.OutOrStdout())
		}
		return selftestTrend(cmd.OutOrStdout())
	},
	DisableFlagsInUseLine: true,
}

// selftestClock follows a PCR that starts six seconds before its wrap and
// steps one second at a time, checking that the drift against a matching
// wall clock stays zero across the wrap.
func selftestClock(w io.Writer) error {
	const frames = 12
	g := tsgen.New(tsgen.Config{
		StartPCR:      clock.SCR.Modulus - 6*27_000_000,
		FrameInterval: time.Second,
		Frames:        frames,
	})
	rd := mpegts.NewReader(context.Background(), bytes.NewReader(g.Bytes()))

	m := clock.NewModel(clock.SCR)
	wall := time.Unix(0, 0)
	var prev int64 = -1
	wrapped := false
	for {
		pkt, err := rd.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		if !pkt.HasSCR {
			continue
		}
		if !m.Established() {
			m.EstablishWallclock(pkt.SCR, wall)
		}
		m.SetTicks(pkt.SCR, wall)
		us, _ := m.DriftMicros()
		fmt.Fprintf(w, "pcr %13d '%s', drift us: %5d\n", pkt.SCR, clock.SCR.Timecode(pkt.SCR), us)
		if prev >= 0 && pkt.SCR < prev {
			fmt.Fprintln(w, "PCR has wrapped")
			wrapped = true
		}
		if us != 0 {
			return fmt.Errorf("selftest: drift %dus after pcr %d, want 0", us, pkt.SCR)
		}
		prev = pkt.SCR
		wall = wall.Add(time.Second)
	}
	if !wrapped {
		return errors.New("selftest: PCR never wrapped")
	}
	fmt.Fprintln(w, "clock: ok")
	return nil
}

// selftestTrend fits y = 2x over eight points; slope and r² are exact.
func selftestTrend(w io.Writer) error {
	est, err := trend.New("linear trend test", 128, trend.OptWarmup(0))
	if err != nil {
		return err
	}
	for i := 1; i <= 8; i++ {
		est.Add(float64(i), float64(2*i))
	}
	if err := est.WriteCSV(w); err != nil {
		return err
	}
	fit, err := est.Fit()
	if err != nil {
		return err
	}
	r2, err := est.RSquared(fit)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "Slope %17.8f Deviation is %12.2f, r2 is %f\n", fit.Slope, fit.Deviation, r2)
	if math.Abs(r2-1) > 1e-9 {
		return fmt.Errorf("selftest: r2 = %f, want 1", r2)
	}
	if math.Abs(fit.Slope-2) > 1e-9 {
		return fmt.Errorf("selftest: slope = %f, want 2", fit.Slope)
	}
	fmt.Fprintln(w, "trend: ok")
	return nil
}
