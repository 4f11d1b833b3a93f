// Command ddcretry-demo is a small harness for exercising the adaptive
// retry/sleep engine against a scripted flaky transport, in the style of the
// teacher's own cmd/direwolf entry point: pflag-based flags, a custom usage
// banner, and a plain-text summary on exit.
package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/pflag"

	"github.com/kgretry/ddcadapt/engine"
	"github.com/kgretry/ddcadapt/identity"
	"github.com/kgretry/ddcadapt/internal/registry"
	"github.com/kgretry/ddcadapt/internal/retrypolicy"
	"github.com/kgretry/ddcadapt/transport"
)

func main() {
	var configFile = pflag.StringP("config-file", "c", "", "YAML config file. Omit to use built-in defaults.")
	var bus = pflag.UintP("bus", "b", 2, "I2C bus number to exercise.")
	var tries = pflag.IntP("tries", "n", 6, "Number of write-read exchanges to attempt.")
	var dsaEnabled = pflag.BoolP("dsa", "d", true, "Enable the dynamic sleep adaptor.")
	var userMult = pflag.Float64P("user-multiplier", "m", 1.0, "Explicit user sleep multiplier.")
	var timestampFormat = pflag.StringP("timestamp-format", "T", "", "strftime format for buffer timestamps in the final report.")
	var reportDepth = pflag.IntP("report-depth", "r", 2, "Report depth: 0 summary, 1 +histograms, 2 +buffer.")
	var flakyOnce = pflag.BoolP("flaky-once", "f", true, "Script the transport to fail once with a data error before succeeding.")
	var serial = pflag.BoolP("serial", "s", false, "Drive a real serial-bridge transport using the config file's buses: section instead of the scripted fake.")
	var help = pflag.BoolP("help", "h", false, "Display help text.")

	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "%s - exercises the adaptive DDC retry/sleep engine against a scripted transport.\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "\nUsage: ddcretry-demo [options]\n")
		pflag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nBy default no real I2C hardware is touched; the transport is a pty-backed fake.\n")
		fmt.Fprintf(os.Stderr, "Pass -serial with a config file's buses: section to drive a real serial-bridge adapter instead.\n")
	}

	pflag.Parse()

	if *help {
		pflag.Usage()
		os.Exit(1)
	}

	var cfg engine.Config
	if *configFile != "" {
		var loaded, err = engine.LoadConfig(*configFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "ddcretry-demo: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	} else {
		cfg = engine.DefaultConfig()
	}
	cfg.DSAEnabled = *dsaEnabled
	cfg.UserMultiplier = *userMult

	var tr transport.Transport
	var src identity.Source

	if *serial {
		if len(cfg.Buses) == 0 {
			fmt.Fprintf(os.Stderr, "ddcretry-demo: -serial requires a config file with a buses: section\n")
			os.Exit(1)
		}
		tr = transport.NewSerialBridgeTransport(cfg.SerialDeviceMap())
		src = identity.NewUdevEDIDSource()
	} else {
		var fake = transport.NewPTYFlakyTransport()
		var outcomes []transport.Outcome
		if *flakyOnce {
			outcomes = append(outcomes, transport.Outcome{Status: retrypolicy.DdcDataError, Response: []byte{0, 0, 0, 0}})
		}
		outcomes = append(outcomes, transport.Outcome{Status: retrypolicy.Ok, Response: []byte{0x01, 0x10, 0x00, 0x32}})
		fake.SetScript(*bus, 4, outcomes)

		tr = fake
		src = identity.MapSource{*bus: 0xA7}
	}

	var eng, err = engine.New(cfg, src, tr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ddcretry-demo: %v\n", err)
		os.Exit(1)
	}

	if *timestampFormat != "" {
		eng.FormatTimestamps(*timestampFormat)
	}

	var busPath = registry.BusPath(*bus)

	for i := 0; i < *tries; i++ {
		var status, resp, doErr = eng.DoWriteReadWithRetry(busPath, []byte{0x51, 0x82, 0x01, 0x10}, 4)
		if doErr != nil {
			fmt.Fprintf(os.Stderr, "try %d: %v\n", i+1, doErr)

			continue
		}
		fmt.Printf("try %d: status=%s response=%s\n", i+1, status, formatBytes(resp))
	}

	var rec, _ = eng.Registry().Get(busPath)
	if rec != nil {
		printReport(eng.Report(rec, *reportDepth))
	}

	if err := eng.Shutdown(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "ddcretry-demo: shutdown: %v\n", err)
		os.Exit(1)
	}
}

func formatBytes(b []byte) string {
	var parts = make([]string, len(b))
	for i, v := range b {
		parts[i] = "0x" + strconv.FormatUint(uint64(v), 16)
	}

	return "[" + strings.Join(parts, " ") + "]"
}

func printReport(r engine.Report) {
	fmt.Printf("\n--- report: bus %d ---\n", r.Bus)
	fmt.Printf("user_multiplier=%.2f (%s)\n", r.UserMultiplier, r.UserMultiplierSrc)
	fmt.Printf("initial_step=%d cur_step=%d initial_mult=%.2f final_mult=%.2f\n",
		r.InitialStep, r.CurStep, r.InitialMultiplier, r.FinalMultiplier)
	fmt.Printf("total_sleep_ms=%d successful_observations=%d retryable_failures=%d\n",
		r.TotalSleepMillis, r.SuccessfulObs, r.RetryableFailures)
	fmt.Printf("successful_mult: min=%.2f max=%.2f avg=%.2f\n",
		r.MinSuccessfulMult, r.MaxSuccessfulMult, r.AvgSuccessfulMult)
	fmt.Printf("adjustments: up=%d down=%d\n", r.AdjustmentsUp, r.AdjustmentsDown)

	for _, h := range r.Histograms {
		fmt.Printf("histogram[%s]=%v\n", h.Class, h.Histogram)
	}

	for _, inv := range r.Buffer {
		fmt.Printf("buffer: %s tries=%d required_step=%d\n", inv.Timestamp, inv.TryCount, inv.RequiredStep)
	}
}
