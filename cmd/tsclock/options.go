package main

import (
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/zsiec/tsclock/internal/config"
)

// options holds the command-line flags. Flags that were given override
// the config file.
type options struct {
	configPath string
	debug      bool

	input        string
	initialTime  string
	scr          bool
	scrPID       string
	pes          int
	maxDriftMs   int64
	reorder      bool
	progress     bool
	noConform    bool
	trendLevel   int
	delivery     bool
	stopAfter    int
	trendSize    int
	reportPeriod int
	hexDump      int
	apiAddr      string
	pacing       string
}

func (o *options) register(cmd *cobra.Command) {
	f := cmd.Flags()
	cmd.PersistentFlags().BoolVar(&o.debug, "debug", false, "debug logging (or set DEBUG)")
	f.StringVar(&o.configPath, "config", "", "YAML configuration file")

	f.StringVarP(&o.input, "input", "i", "", "input file or URL")
	f.StringVarP(&o.initialTime, "initial-time", "T", "", "calendar time of the first PCR, YYYYMMDDHHMMSS")
	f.BoolVarP(&o.scr, "scr", "s", false, "report every SCR/PCR")
	f.StringVarP(&o.scrPID, "scr-pid", "S", "", "PID carrying the SCR, e.g. 0x31 (default: from the PMT)")
	f.CountVarP(&o.pes, "pes", "p", "report every PTS/DTS; repeat to dump PES headers")
	f.Int64VarP(&o.maxDriftMs, "max-drift", "D", 0, "largest PTS/DTS step in ms before a finding")
	f.BoolVarP(&o.reorder, "reorder", "R", false, "print PTS in presentation order at the end")
	f.BoolVarP(&o.progress, "progress", "P", false, "print file progress to stderr")
	f.BoolVarP(&o.noConform, "no-conformance", "Z", false, "suppress PTS-behind-PCR findings")
	f.CountVarP(&o.trendLevel, "trend", "L", "trend reports; 2 also exports CSV, 3 prints datasets")
	f.BoolVarP(&o.delivery, "delivery", "Y", false, "report PES delivery times")
	f.IntVarP(&o.stopAfter, "stop-after", "t", 0, "stop after this many seconds")
	f.IntVarP(&o.trendSize, "trend-size", "A", 0, "samples per trend window (min 60)")
	f.IntVarP(&o.reportPeriod, "report-period", "B", 0, "seconds between trend reports (min 5)")
	f.CountVarP(&o.hexDump, "hex", "d", "hex dump packets; repeat for the whole packet")
	f.StringVar(&o.apiAddr, "api", "", "serve the status API on this address (or set TSCLOCK_API_ADDR)")
	f.StringVar(&o.pacing, "pacing", "", "realtime or stream (default: by input type)")
}

// resolve loads the config file, if any, and applies the flags that were
// set on cmd.
func (o *options) resolve(cmd *cobra.Command) (*config.Config, error) {
	cfg := config.Default()
	if o.configPath != "" {
		var err error
		if cfg, err = config.Load(o.configPath); err != nil {
			return nil, err
		}
	}
	cfg.API.Addr = envOr("TSCLOCK_API_ADDR", cfg.API.Addr)

	set := cmd.Flags().Changed
	if set("input") {
		cfg.Input.URL = o.input
	}
	if set("stop-after") {
		cfg.Input.StopAfter = (time.Duration(o.stopAfter) * time.Second).String()
	}
	if set("pacing") {
		cfg.Input.Pacing = o.pacing
	}
	if set("initial-time") {
		cfg.Engine.InitialTime = o.initialTime
	}
	if set("scr-pid") {
		cfg.Engine.SCRPID = o.scrPID
	}
	if set("max-drift") {
		cfg.Engine.MaxDriftMs = o.maxDriftMs
	}
	if set("reorder") {
		cfg.Engine.Reorder = o.reorder
	}
	if set("no-conformance") {
		on := !o.noConform
		cfg.Engine.NonConformance = &on
	}
	if set("delivery") {
		cfg.Engine.PESDelivery = o.delivery
	}
	if set("trend-size") {
		cfg.Engine.TrendCapacity = o.trendSize
	}
	if set("report-period") {
		cfg.Engine.ReportPeriod = strconv.Itoa(o.reportPeriod) + "s"
	}
	if set("scr") {
		cfg.Report.SCR = o.scr
	}
	if set("pes") {
		cfg.Report.PES = o.pes
	}
	if set("trend") {
		cfg.Report.TrendLevel = o.trendLevel
	}
	if set("hex") {
		cfg.Report.HexDump = o.hexDump
	}
	if set("progress") {
		cfg.Report.Progress = o.progress
	}
	if set("api") {
		cfg.API.Addr = o.apiAddr
	}
	return cfg, nil
}
