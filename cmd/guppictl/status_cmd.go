// Copyright (c) 2026 The guppi-daq Authors
// Licensed under the Business Source License 1.1
// See LICENSE file for details.

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/guppi-daq/guppi-shm/internal/log"
	"github.com/guppi-daq/guppi-shm/internal/mjd"
	"github.com/guppi-daq/guppi-shm/internal/params"
	"github.com/guppi-daq/guppi-shm/internal/statusloop"
	"github.com/guppi-daq/guppi-shm/pkg/card"
	"github.com/guppi-daq/guppi-shm/pkg/status"
)

func printStatusUsage() {
	fmt.Println(`guppictl status - Print the status record, or set one key in it

Usage:
  guppictl status [-k KEY (-s|-f|-d|-i|-b) VALUE] [-q]

Options:
  -k <key>    Key to set
  -s <value>  Set a string value
  -f <value>  Set a float value
  -d <value>  Set a double value (same as -f)
  -i <value>  Set an integer value
  -b <value>  Set a boolean value (T/F)
  -q          Do not print the record afterwards

Examples:
  guppictl status
  guppictl status -k SRC_NAME -s B1937+21
  guppictl status -k OBSFREQ -f 1500 -q`)
}

func runStatusCommand(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	fs.Usage = printStatusUsage
	key := fs.String("k", "", "key to set")
	quiet := fs.Bool("q", false, "do not print the record")
	for _, name := range []string{"s", "f", "d", "i", "b"} {
		fs.String(name, "", "value")
	}
	fs.Parse(args)

	// The last value flag given decides the kind
	var kindFlag, raw string
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "s", "f", "d", "i", "b":
			kindFlag, raw = f.Name, f.Value.String()
		}
	})

	cfg := loadConfig()
	rec := openStatus(cfg)
	defer rec.Close()

	if *key != "" {
		if kindFlag == "" {
			fatal("a value flag (-s, -f, -d, -i or -b) is required with -k")
		}
		kind, err := card.ParseKind(kindFlag)
		if err != nil {
			fatal("invalid value kind", "err", err)
		}
		v, err := card.ParseAs(kind, raw)
		if err != nil {
			fatal("invalid value", "key", *key, "err", err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Status.LockTimeout.Std()+time.Second)
		defer cancel()
		if err := rec.Update(ctx, *key, v); err != nil {
			fatal("failed to update status", "key", *key, "err", err)
		}
	} else if kindFlag != "" {
		fatal("-k is required with a value flag")
	}

	if *quiet {
		return
	}
	region, err := rec.Raw()
	if err != nil {
		fatal("failed to read status", "err", err)
	}
	printCards(region)
}

// printCards prints one card per line up to and including END.
func printCards(region []byte) {
	end := card.FindEnd(region)
	if end < 0 {
		end = len(region) - card.Size
	}
	for off := 0; off <= end && off+card.Size <= len(region); off += card.Size {
		fmt.Println(string(region[off : off+card.Size]))
	}
}

func runUnlockCommand(args []string) {
	if wantsHelp(args) {
		fmt.Println(`guppictl unlock - Break a stale status lock

Usage:
  guppictl unlock

Removes the status lock file. Only use this when no writer is running.`)
		return
	}
	cfg := loadConfig()
	sid, err := cfg.StatusIdentity()
	if err != nil {
		fatal("invalid status identity", "err", err)
	}
	if err := status.ForceUnlock(sid); err != nil {
		fatal("failed to remove lock", "path", sid.LockPath, "err", err)
	}
	fmt.Printf("Removed status lock %s\n", sid.LockPath)
}

func printSetParamsUsage() {
	fmt.Println(`guppictl set-params - Write the observation parameters for a scan

Usage:
  guppictl set-params [options]

Options:
  --src <name>      Source name (default: Fake_PSR)
  --ra <hh:mm:ss>   Right ascension (default: 12:34:56.7)
  --dec <dd:mm:ss>  Declination (default: +12:34:56.7)
  --freq <MHz>      Center frequency (default: 1200)
  --scan <n>        Scan number (default: 1)
  --len <s>         Scan length in seconds (default: 3600)
  --acc-len <n>     Hardware accumulation length (default: 16)
  --cal             Calibration scan (120 s, BASENAME suffix _cal)
  --gb43m           43m telescope setup (implies --nogbt)
  --fake            Fake data setup
  --nogbt           Do not take source and receiver setup from the telescope
  --parfile <path>  Folding ephemeris
  --tfold <s>       Fold integration time (default: 30)
  --nbin <n>        Fold bins (default: 256)

Nothing is written if telescope status cannot be read or any value fails.`)
}

func runSetParamsCommand(args []string) {
	def := params.DefaultOptions()
	fs := flag.NewFlagSet("set-params", flag.ExitOnError)
	fs.Usage = printSetParamsUsage
	src := fs.String("src", def.Source, "source name")
	ra := fs.String("ra", def.RA, "right ascension")
	dec := fs.String("dec", def.Dec, "declination")
	freq := fs.Float64("freq", def.Freq, "center frequency (MHz)")
	scan := fs.Int("scan", def.ScanNum, "scan number")
	length := fs.Float64("len", def.Length, "scan length (s)")
	accLen := fs.Int("acc-len", def.AccLen, "accumulation length")
	cal := fs.Bool("cal", false, "calibration scan")
	gb43m := fs.Bool("gb43m", false, "43m setup")
	fake := fs.Bool("fake", false, "fake data setup")
	noGBT := fs.Bool("nogbt", false, "skip telescope status")
	parFile := fs.String("parfile", def.ParFile, "folding ephemeris")
	tfold := fs.Float64("tfold", def.TFold, "fold integration time (s)")
	nbin := fs.Int("nbin", def.NBin, "fold bins")
	fs.Parse(args)

	opts := params.Options{
		Source:  *src,
		RA:      *ra,
		Dec:     *dec,
		Freq:    *freq,
		ScanNum: *scan,
		Length:  *length,
		AccLen:  *accLen,
		Cal:     *cal,
		GB43m:   *gb43m,
		Fake:    *fake,
		GBT:     !*noGBT,
		ParFile: *parFile,
		TFold:   *tfold,
		NBin:    *nbin,
	}

	cfg := loadConfig()
	rec := openStatus(cfg)
	defer rec.Close()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Status.LockTimeout.Std()+cfg.Loop.Telescope.Timeout.Std()+time.Second)
	defer cancel()
	source, release := telescopeSource(ctx, cfg)
	defer release()

	if err := params.Run(ctx, rec, opts, source, time.Now); err != nil {
		rec.Close()
		fatal("failed to set parameters", "err", err)
	}
	t, err := rec.Snapshot()
	if err != nil {
		fatal("failed to read status", "err", err)
	}
	base, _ := t.Str("BASENAME")
	fmt.Printf("Parameters set for %s\n", base)
}

func runStatusLoopCommand(args []string) {
	if wantsHelp(args) {
		fmt.Println(`guppictl status-loop - Keep telescope status and start time current

Usage:
  guppictl status-loop

Every loop.interval the configured telescope source is read, folded into
the status record together with the current MJD start time, and committed
under the status lock. Stops on SIGINT or SIGTERM.`)
		return
	}
	cfg := loadConfig()
	rec := openStatus(cfg)
	defer rec.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	source, release := telescopeSource(ctx, cfg)
	defer release()

	loop := statusloop.New(rec, source, cfg.Loop.Interval.Std(),
		statusloop.WithClock(mjd.Clock(time.Now)),
		statusloop.WithLogger(log.Component("statusloop")))
	if err := loop.Run(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
