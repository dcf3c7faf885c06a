package main

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/chzyer/readline"
	"github.com/hashicorp/go-multierror"
	"github.com/mattn/go-isatty"
	log "github.com/sirupsen/logrus"

	"drift-vm/internal/chunk"
	"drift-vm/internal/compiler"
	"drift-vm/internal/vm"
)

const Version = "v1.0.0"

// Exit codes follow the BSD sysexits convention.
const (
	exitUsage   = 64
	exitCompile = 65
	exitRuntime = 70
	exitIO      = 74
)

func main() {
	showDisassembly := flag.Bool("disassembly", false, "Show bytecode disassembly before running")
	traceExecution := flag.Bool("trace", false, "Trace every executed instruction")
	logGC := flag.Bool("log-gc", false, "Log garbage collections")
	stressGC := flag.Bool("gc-stress", false, "Collect on every allocation")
	showVersion := flag.Bool("version", false, "Show version information")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: drift [options] [path]\n\nOptions:\n")
		flag.VisitAll(func(f *flag.Flag) {
			fmt.Fprintf(os.Stderr, "  --%s\n\t%s\n", f.Name, f.Usage)
		})
	}

	flag.Parse()

	if *showVersion {
		fmt.Printf("Drift %s\n", Version)
		return
	}

	log.SetOutput(os.Stderr)
	log.SetFormatter(&log.TextFormatter{DisableTimestamp: true})
	if *traceExecution {
		log.SetLevel(log.TraceLevel)
	} else if *logGC {
		log.SetLevel(log.DebugLevel)
	}

	cfg := vm.Config{StressGC: *stressGC, LogGC: *logGC}

	args := flag.Args()
	switch len(args) {
	case 0:
		repl(cfg, *showDisassembly)
	case 1:
		runFile(args[0], cfg, *showDisassembly)
	default:
		fmt.Fprintln(os.Stderr, "Usage: drift [path]")
		os.Exit(exitUsage)
	}
}

func runFile(path string, cfg vm.Config, showDisasm bool) {
	source, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Could not open file %q.\n", path)
		os.Exit(exitIO)
	}

	if showDisasm {
		disassemble(string(source))
	}

	machine := vm.NewWithConfig(cfg)
	defer machine.Free()

	if err := machine.Interpret(string(source)); err != nil {
		os.Exit(exitCode(err))
	}
}

// repl interprets lines standalone against one persistent VM, so globals
// survive from line to line.
func repl(cfg vm.Config, showDisasm bool) {
	machine := vm.NewWithConfig(cfg)
	defer machine.Free()

	interpretLine := func(line string) {
		if showDisasm {
			disassemble(line)
		}
		if err := machine.Interpret(line); err != nil {
			reportError(err)
		}
	}

	if !isatty.IsTerminal(os.Stdin.Fd()) {
		// Piped input: no prompt, no line editing.
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			interpretLine(scanner.Text())
		}
		return
	}

	rl, err := readline.New("> ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Could not start REPL: %s\n", err)
		os.Exit(exitIO)
	}
	defer rl.Close()

	fmt.Printf("Drift %s\n", Version)
	for {
		line, err := rl.Readline()
		if err != nil {
			// Ctrl-C clears the line, Ctrl-D exits.
			if errors.Is(err, readline.ErrInterrupt) {
				continue
			}
			break
		}
		interpretLine(line)
	}
}

// disassemble dumps the compiled bytecode to stdout without running it.
// The dump compiler shares no state with the VM that runs the source.
func disassemble(source string) {
	machine := vm.NewWithConfig(vm.Config{})
	defer machine.Free()

	fn, err := compiler.New(machine.Heap()).Compile(source)
	if err != nil {
		return
	}
	fmt.Print(fn.Chunk.(*chunk.Chunk).DisassembleAll("<script>"))
}

// reportError writes compile errors to stderr; runtime errors have
// already been reported with their stack trace by the VM.
func reportError(err error) {
	var runtimeErr *vm.RuntimeError
	if errors.As(err, &runtimeErr) {
		return
	}

	var merr *multierror.Error
	if errors.As(err, &merr) {
		for _, e := range merr.Errors {
			fmt.Fprintln(os.Stderr, e)
		}
		return
	}
	fmt.Fprintln(os.Stderr, err)
}

func exitCode(err error) int {
	var runtimeErr *vm.RuntimeError
	if errors.As(err, &runtimeErr) {
		return exitRuntime
	}
	reportError(err)
	return exitCompile
}
