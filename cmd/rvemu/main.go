package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/schollz/progressbar/v3"
	"github.com/tinyrange/rvemu/internal/bundle"
	"github.com/tinyrange/rvemu/internal/emulator"
	"github.com/tinyrange/rvemu/internal/isa"
	"github.com/tinyrange/rvemu/internal/term"
)

// progressThreshold is the file size above which reads show a progress bar.
const progressThreshold = 8 << 20

func main() {
	if err := run(); err != nil {
		var exitErr *exitError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.code)
		}
		fmt.Fprintf(os.Stderr, "rvemu: %v\n", err)
		os.Exit(1)
	}
}

// exitError carries the guest's tohost exit code out of run.
type exitError struct {
	code int
}

func (e *exitError) Error() string { return fmt.Sprintf("guest exited with code %d", e.code) }

type fixCrlf struct {
	w io.Writer
}

func (f *fixCrlf) Write(p []byte) (n int, err error) {
	return f.w.Write(bytes.ReplaceAll(p, []byte{'\n'}, []byte{'\r', '\n'}))
}

func run() error {
	var xlenFlag xlenFlag
	flag.Var(&xlenFlag, "xlen", "Register width, 32 or 64 (default: from the ELF class)")
	fsPath := flag.String("fs", "", "Disk image attached as a virtio block device")
	fsReadonly := flag.Bool("fs-readonly", false, "Reject guest writes to the disk image")
	dtbPath := flag.String("dtb", "", "Device tree blob (default: generated for this machine)")
	noTerminal := flag.Bool("no-terminal", false, "Write guest output to stdout and give the guest no input")
	screen := flag.Bool("screen", false, "Render guest output on a headless terminal and print the final screen")
	var pageCacheFlag boolFlag
	flag.Var(&pageCacheFlag, "page-cache", "Cache address translations")
	var memoryFlag uint64Flag
	flag.Var(&memoryFlag, "memory", "Memory in MB")
	bootargs := flag.String("bootargs", "", "Kernel command line for the generated device tree")
	configDir := flag.String("config", "", "Machine folder containing "+bundle.MetadataFilename)
	writeConfig := flag.String("write-config", "", "Write "+bundle.MetadataFilename+" for the given flags into this folder, then exit")
	timeout := flag.Duration("timeout", 0, "Stop the guest after this long")
	var maxStepsFlag uint64Flag
	flag.Var(&maxStepsFlag, "max-steps", "Stop the guest after this many steps")
	var stopAt addressList
	flag.Var(&stopAt, "stop-at", "Stop before executing at these addresses (comma separated, repeatable)")
	dbg := flag.Bool("debug", false, "Enable debug logging")
	logJSON := flag.Bool("log-json", false, "Write logs as JSON")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags] <program>\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Run a RISC-V ELF or raw binary on an emulated rv32/rv64 machine.\n")
		fmt.Fprintf(os.Stderr, "Type Ctrl-A x to stop the guest.\n\n")
		fmt.Fprintf(os.Stderr, "Examples:\n")
		fmt.Fprintf(os.Stderr, "  %s -fs fs.img kernel\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -xlen 32 -no-terminal -max-steps 100000 prog.bin\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -config ./xv6\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	level := slog.LevelInfo
	if *dbg {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if *logJSON {
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, opts)))
	} else {
		slog.SetDefault(slog.New(slog.NewTextHandler(&fixCrlf{w: os.Stderr}, opts)))
	}

	if *noTerminal && *screen {
		return fmt.Errorf("-no-terminal and -screen are mutually exclusive")
	}
	if flag.NArg() > 1 {
		flag.Usage()
		return fmt.Errorf("expected one program, got %d arguments", flag.NArg())
	}

	// Bundle values come first; flags override them. Paths from the command
	// line are relative to the working directory, bundle paths to the folder.
	var meta bundle.Metadata
	if *configDir != "" {
		if err := bundle.ValidateBundleDir(*configDir); err != nil {
			return fmt.Errorf("config %s: %w", *configDir, err)
		}
		var err error
		meta, err = bundle.LoadMetadata(*configDir)
		if err != nil {
			return err
		}
		mc := &meta.Machine
		mc.Program = bundle.Resolve(*configDir, mc.Program)
		mc.Filesystem = bundle.Resolve(*configDir, mc.Filesystem)
		mc.DTB = bundle.Resolve(*configDir, mc.DTB)
	}
	mc := &meta.Machine
	if flag.NArg() == 1 {
		mc.Program = flag.Arg(0)
	}
	if *fsPath != "" {
		mc.Filesystem = *fsPath
	}
	if *dtbPath != "" {
		mc.DTB = *dtbPath
	}
	if *bootargs != "" {
		mc.Bootargs = *bootargs
	}
	if xlenFlag.set {
		mc.XLEN = int(xlenFlag.v)
	}
	if memoryFlag.set {
		mc.MemoryMB = memoryFlag.v
	}
	if pageCacheFlag.set {
		mc.PageCache = pageCacheFlag.v
	}
	if maxStepsFlag.set {
		mc.MaxSteps = maxStepsFlag.v
	}
	for _, a := range stopAt {
		mc.StopAt = append(mc.StopAt, bundle.Address(a))
	}
	switch {
	case *noTerminal:
		mc.Terminal = bundle.TerminalNone
	case *screen:
		mc.Terminal = bundle.TerminalScreen
	case mc.Terminal == "":
		mc.Terminal = bundle.TerminalStdio
	}
	if mc.MemoryMB == 0 {
		mc.MemoryMB = bundle.DefaultMemoryMB
	}

	if *writeConfig != "" {
		return writeBundle(*writeConfig, meta)
	}
	if mc.Program == "" {
		flag.Usage()
		return fmt.Errorf("program required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if *timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, *timeout)
		defer cancel()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var console term.Terminal
	switch mc.Terminal {
	case bundle.TerminalNone:
		console = term.NewOutput(os.Stdout)
	case bundle.TerminalScreen:
		scr := term.NewScreen(80, 24)
		defer func() {
			fmt.Println(scr.Snapshot())
			scr.Close()
		}()
		console = scr
	default:
		stdio, err := term.NewStdio(os.Stdin, os.Stdout, cancel)
		if err != nil {
			return fmt.Errorf("open terminal: %w", err)
		}
		defer stdio.Close()
		console = stdio
	}

	stops := make([]uint64, len(mc.StopAt))
	for i, a := range mc.StopAt {
		stops[i] = uint64(a)
	}
	emu, err := emulator.New(emulator.Config{
		RAMSize:   mc.MemoryMB << 20,
		PageCache: mc.PageCache,
		Terminal:  console,
		Logger:    slog.Default(),
		Bootargs:  mc.Bootargs,
		StopAt:    stops,
		MaxSteps:  mc.MaxSteps,
	})
	if err != nil {
		return err
	}

	image, err := readFile(mc.Program)
	if err != nil {
		return fmt.Errorf("read program: %w", err)
	}
	if err := emu.LoadProgram(image); err != nil {
		return err
	}
	if mc.XLEN != 0 {
		if err := emu.SetXLEN(isa.XLEN(mc.XLEN)); err != nil {
			return err
		}
	}
	if mc.Filesystem != "" {
		disk, err := readFile(mc.Filesystem)
		if err != nil {
			return fmt.Errorf("read filesystem: %w", err)
		}
		if err := emu.LoadFilesystem(disk, *fsReadonly); err != nil {
			return err
		}
	}
	if mc.DTB != "" {
		blob, err := os.ReadFile(mc.DTB)
		if err != nil {
			return fmt.Errorf("read dtb: %w", err)
		}
		if err := emu.LoadDTB(blob); err != nil {
			return err
		}
	}

	res, err := emu.Run(ctx)
	if err != nil {
		emu.CPU().DumpRegisters(&fixCrlf{w: os.Stderr})
		return err
	}
	if res.Reason == emulator.StopCanceled && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		slog.Warn("timeout reached", "timeout", *timeout)
	}
	if *dbg {
		emu.CPU().DumpRegisters(&fixCrlf{w: os.Stderr})
	}
	if res.Reason == emulator.StopToHost && res.ExitCode != 0 {
		return &exitError{code: res.ExitCode}
	}
	return nil
}

// readFile reads path, drawing a progress bar for large files.
func readFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if info.Size() < progressThreshold {
		return io.ReadAll(f)
	}

	buf := bytes.NewBuffer(make([]byte, 0, info.Size()))
	bar := progressbar.DefaultBytes(info.Size(), "load "+filepath.Base(path))
	defer bar.Close()
	if _, err := io.Copy(io.MultiWriter(buf, bar), f); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// writeBundle saves meta as a machine folder with paths relative to dir.
func writeBundle(dir string, meta bundle.Metadata) error {
	if meta.Name == "" {
		meta.Name = filepath.Base(dir)
	}
	mc := &meta.Machine
	for _, p := range []*string{&mc.Program, &mc.Filesystem, &mc.DTB} {
		if *p == "" {
			continue
		}
		abs, err := filepath.Abs(*p)
		if err != nil {
			return err
		}
		absDir, err := filepath.Abs(dir)
		if err != nil {
			return err
		}
		if rel, err := filepath.Rel(absDir, abs); err == nil {
			*p = rel
		} else {
			*p = abs
		}
	}
	if err := bundle.WriteTemplate(dir, meta); err != nil {
		return err
	}
	slog.Info("wrote machine folder", "path", filepath.Join(dir, bundle.MetadataFilename))
	return nil
}
