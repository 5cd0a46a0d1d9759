// Copyright (c) 2026 The guppi-daq Authors
// Licensed under the Business Source License 1.1
// See LICENSE file for details.

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/guppi-daq/guppi-shm/internal/config"
	"github.com/guppi-daq/guppi-shm/internal/monitor"
	"github.com/guppi-daq/guppi-shm/internal/service"
	"github.com/guppi-daq/guppi-shm/pkg/databuf"
	"github.com/guppi-daq/guppi-shm/pkg/shm"
	"github.com/guppi-daq/guppi-shm/pkg/status"
)

func printDatabufUsage() {
	fmt.Println(`guppictl databuf - Create, inspect or remove the data buffer

Usage:
  guppictl databuf <subcommand> [options]

Subcommands:
  create  Create and lay out a new data buffer
  info    Print the buffer geometry and block generations
  rm      Remove the data buffer segment

Create options:
  --blocks <n>        Number of blocks (default from config: 8)
  --block-size <n>    Data bytes per block, a multiple of 8
  --header-size <n>   Header bytes per block, a multiple of 80
  --type <name>       Data type label (default: unknown)
  --no-generations    Omit the per-block generation table

Examples:
  guppictl databuf create --blocks 4 --block-size 1048576
  guppictl databuf info
  guppictl databuf rm`)
}

func runDatabufCommand(args []string) {
	switch args[0] {
	case "create":
		runDatabufCreate(args[1:])
	case "info":
		runDatabufInfo()
	case "rm":
		runDatabufRemove()
	case "-h", "--help", "help":
		printDatabufUsage()
	default:
		fmt.Printf("Unknown databuf subcommand: %s\n", args[0])
		printDatabufUsage()
		os.Exit(1)
	}
}

func databufIdentity(cfg *config.Config) shm.Identity {
	id, err := cfg.DatabufIdentity()
	if err != nil {
		fatal("invalid data buffer identity", "err", err)
	}
	return id
}

func runDatabufCreate(args []string) {
	cfg := loadConfig()
	geom := cfg.Databuf.Create

	fs := flag.NewFlagSet("databuf create", flag.ExitOnError)
	fs.Usage = printDatabufUsage
	fs.IntVar(&geom.NumBlocks, "blocks", geom.NumBlocks, "number of blocks")
	fs.IntVar(&geom.BlockSize, "block-size", geom.BlockSize, "data bytes per block")
	fs.IntVar(&geom.HeaderSize, "header-size", geom.HeaderSize, "header bytes per block")
	fs.StringVar(&geom.DataType, "type", geom.DataType, "data type label")
	fs.BoolVar(&geom.NoGenerations, "no-generations", geom.NoGenerations, "omit generation table")
	fs.Parse(args)

	id := databufIdentity(cfg)
	buf, err := databuf.CreateSegment(id, geom)
	if err != nil {
		fatal("failed to create data buffer", "segment", id.String(), "err", err)
	}
	defer buf.Close()

	fmt.Printf("Created data buffer %s: %s\n", id, geom)
	printPreamble(buf)
}

func runDatabufInfo() {
	cfg := loadConfig()
	id := databufIdentity(cfg)
	id.ReadOnly = true

	buf, err := databuf.Open(id)
	if err != nil {
		fatal("failed to attach data buffer", "segment", id.String(), "err", err)
	}
	defer buf.Close()

	fmt.Printf("Data buffer %s\n", id)
	printPreamble(buf)
	for i := 0; i < buf.NumBlocks(); i++ {
		gen, ok, err := buf.Generation(i)
		switch {
		case err != nil:
			fmt.Printf("  block %d: %v\n", i, err)
		case !ok:
			fmt.Printf("  block %d: no generation counter\n", i)
		case gen&1 == 1:
			fmt.Printf("  block %d: generation %d (write in progress)\n", i, gen)
		default:
			fmt.Printf("  block %d: generation %d\n", i, gen)
		}
	}
}

func printPreamble(buf *databuf.Buffer) {
	pre := buf.Info()
	fmt.Printf("  blocks:       %d\n", pre.NumBlocks)
	fmt.Printf("  block size:   %d\n", pre.BlockSize)
	fmt.Printf("  header size:  %d\n", pre.HeaderSize)
	fmt.Printf("  struct size:  %d\n", pre.StructSize)
	fmt.Printf("  data type:    %s\n", pre.DataTypeString())
	fmt.Printf("  shm id:       %d\n", pre.ShmID)
	fmt.Printf("  total size:   %d\n", pre.TotalSize())
	fmt.Printf("  generations:  %v\n", pre.HasGenerations())
}

func runDatabufRemove() {
	cfg := loadConfig()
	id := databufIdentity(cfg)
	if err := shm.Remove(id); err != nil {
		if errors.Is(err, shm.ErrNotExist) {
			fmt.Printf("Data buffer %s does not exist\n", id)
			return
		}
		fatal("failed to remove data buffer", "segment", id.String(), "err", err)
	}
	fmt.Printf("Removed data buffer %s\n", id)
}

func runCleanCommand(args []string) {
	if wantsHelp(args) {
		fmt.Println(`guppictl clean - Remove the status record, its lock and the data buffer

Usage:
  guppictl clean

Stop every process using the segments first.`)
		return
	}
	cfg := loadConfig()

	sid, err := cfg.StatusIdentity()
	if err != nil {
		fatal("invalid status identity", "err", err)
	}
	failed := false
	remove := func(what string, err error) {
		switch {
		case err == nil:
			fmt.Printf("Removed %s\n", what)
		case errors.Is(err, shm.ErrNotExist), errors.Is(err, os.ErrNotExist):
		default:
			fmt.Fprintf(os.Stderr, "Failed to remove %s: %v\n", what, err)
			failed = true
		}
	}
	remove("status record "+sid.Segment.String(), shm.Remove(sid.Segment))
	remove("status lock "+sid.LockPath, status.ForceUnlock(sid))
	dbID := databufIdentity(cfg)
	remove("data buffer "+dbID.String(), shm.Remove(dbID))
	if failed {
		os.Exit(1)
	}
}

func runMonitorCommand(args []string) {
	fs := flag.NewFlagSet("monitor", flag.ExitOnError)
	once := fs.Bool("once", false, "print one snapshot and exit")
	noClear := fs.Bool("no-clear", false, "do not clear the screen between updates")
	interval := fs.Duration("interval", 0, "refresh interval (default from config)")
	fs.Usage = func() {
		fmt.Println(`guppictl monitor - Print status and the current block header continuously

Usage:
  guppictl monitor [--once] [--no-clear] [--interval 250ms]`)
	}
	fs.Parse(args)

	cfg := loadConfig()
	backend, err := service.New(cfg, nil)
	if err != nil {
		fatal("failed to open status record", "err", err)
	}
	defer backend.Close()

	every := cfg.Monitor.Interval.Std()
	if *interval > 0 {
		every = *interval
	}
	mon := monitor.New(backend.Status(), backend, every,
		monitor.WithDefaultBlock(cfg.Databuf.DefaultBlock))

	if *once {
		if err := monitor.WriteText(os.Stdout, mon.Poll()); err != nil {
			fatal("write failed", "err", err)
		}
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		if !*noClear {
			fmt.Print("\033[H\033[2J")
		}
		if err := monitor.WriteText(os.Stdout, mon.Poll()); err != nil {
			fatal("write failed", "err", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func runSpectrumCommand(args []string) {
	fs := flag.NewFlagSet("spectrum", flag.ExitOnError)
	pol := fs.Int("pol", 0, "polarization index")
	nspec := fs.Int("nspec", 0, "spectra to average (default from config)")
	block := fs.Int("block", -1, "block index (default: CURBLOCK)")
	fs.Usage = func() {
		fmt.Println(`guppictl spectrum - Print the averaged spectrum of a block

Usage:
  guppictl spectrum [--pol 0] [--nspec 1000] [--block N]

Prints one "frequency power" line per channel. The block shape comes from
OBSNCHAN, NPOL and NBITS in the status record.`)
	}
	fs.Parse(args)

	cfg := loadConfig()
	backend, err := service.New(cfg, nil)
	if err != nil {
		fatal("failed to open status record", "err", err)
	}
	defer backend.Close()

	t, err := backend.Snapshot()
	if err != nil {
		fatal("failed to read status", "err", err)
	}
	shape, err := databuf.ShapeFromStatus(t)
	if err != nil {
		fatal("cannot determine block shape", "err", err)
	}
	i := *block
	if i < 0 {
		i = databuf.CurrentBlock(t, cfg.Databuf.DefaultBlock)
	}
	n := *nspec
	if n <= 0 {
		n = cfg.Monitor.NSpec
	}

	blk, err := backend.ReadBlock(i)
	if err != nil {
		fatal("failed to read block", "block", i, "err", err)
	}
	spec, err := databuf.AverageSpectrum(blk.Data, shape, *pol, n)
	if err != nil {
		fatal("failed to average spectrum", "err", err)
	}

	center, _ := t.Float("OBSFREQ")
	bw, _ := t.Float("OBSBW")
	freq := databuf.FrequencyAxis(shape.NChan, center, bw)

	fmt.Printf("# block %d pol %d nspec %d\n", i, *pol, shape.Averaged(len(blk.Data), n))
	for c, p := range spec {
		fmt.Printf("%12.6f %g\n", freq[c], p)
	}
	peakChan, peak := databuf.Peak(spec)
	if peakChan >= 0 {
		fmt.Printf("# peak chan %d (%.6f MHz) %g\n", peakChan, freq[peakChan], peak)
	}
}
