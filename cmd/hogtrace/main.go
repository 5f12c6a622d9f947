// Command hogtrace is a thin harness around the probe pipeline: it
// checks, compiles, disassembles and demo-runs HogTrace probe files.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"gopkg.in/urfave/cli.v1"

	"github.com/PostHog/hogtrace/pkg/bytecode"
	"github.com/PostHog/hogtrace/pkg/compiler"
	"github.com/PostHog/hogtrace/pkg/host"
	"github.com/PostHog/hogtrace/pkg/parser"
	"github.com/PostHog/hogtrace/pkg/program"
	"github.com/PostHog/hogtrace/pkg/value"
)

const version = "0.1.0"

func main() {
	app := cli.NewApp()
	app.Name = "hogtrace"
	app.Usage = "compile and run HogTrace probe programs"
	app.Version = version

	app.Flags = []cli.Flag{
		cli.BoolFlag{
			Name:  "verbose, v",
			Usage: "enable debug logging",
		},
	}
	app.Before = func(ctx *cli.Context) error {
		if ctx.GlobalBool("verbose") {
			logrus.SetLevel(logrus.DebugLevel)
		}
		return nil
	}

	app.Commands = []cli.Command{
		{
			Name:      "check",
			Usage:     "parse and compile a probe file, reporting diagnostics",
			ArgsUsage: "<file.ht>",
			Action:    checkCommand,
		},
		{
			Name:      "compile",
			Usage:     "compile a probe file to a serialized program",
			ArgsUsage: "<file.ht> [output.htb]",
			Action:    compileCommand,
		},
		{
			Name:      "disasm",
			Usage:     "decode a serialized program and list its bytecode",
			ArgsUsage: "<file.htb>",
			Action:    disasmCommand,
		},
		{
			Name:      "run",
			Usage:     "compile a probe file and fire its probes against a demo frame",
			ArgsUsage: "<file.ht>",
			Action:    runCommand,
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadAndCompile reads and compiles a source file, pretty-printing parse
// errors with source context.
func loadAndCompile(path string) (*program.Program, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	prog, err := compiler.Compile(string(data))
	if err != nil {
		printDiagnostic(path, err)
		return nil, cli.NewExitError("", 1)
	}
	return prog, nil
}

// printDiagnostic renders a compile or parse failure. Parser errors get
// the caret-annotated snippet; everything else prints plainly.
func printDiagnostic(path string, err error) {
	red := color.New(color.FgRed, color.Bold)

	if perr, ok := err.(*parser.Error); ok {
		out := perr.FormatWithSource(filepath.Base(path))
		lines := strings.SplitN(out, "\n", 2)
		red.Fprintln(os.Stderr, lines[0])
		if len(lines) > 1 {
			fmt.Fprint(os.Stderr, lines[1])
		}
		return
	}

	red.Fprint(os.Stderr, "Error: ")
	fmt.Fprintln(os.Stderr, err)
}

func checkCommand(ctx *cli.Context) error {
	path := ctx.Args().First()
	if path == "" {
		return cli.NewExitError("usage: hogtrace check <file.ht>", 1)
	}

	prog, err := loadAndCompile(path)
	if err != nil {
		return err
	}

	green := color.New(color.FgGreen)
	green.Printf("ok: ")
	fmt.Printf("%d probe(s), %d constant(s)\n", len(prog.Probes), prog.ConstantPool.Len())
	return nil
}

func compileCommand(ctx *cli.Context) error {
	path := ctx.Args().First()
	if path == "" {
		return cli.NewExitError("usage: hogtrace compile <file.ht> [output.htb]", 1)
	}

	out := ctx.Args().Get(1)
	if out == "" {
		out = strings.TrimSuffix(path, filepath.Ext(path)) + ".htb"
	}

	prog, err := loadAndCompile(path)
	if err != nil {
		return err
	}

	data, err := program.Marshal(prog)
	if err != nil {
		return cli.NewExitError(fmt.Sprintf("encode: %v", err), 1)
	}
	if err := os.WriteFile(out, data, 0o644); err != nil {
		return cli.NewExitError(err.Error(), 1)
	}

	fmt.Printf("wrote %s (%d bytes, %d probe(s))\n", out, len(data), len(prog.Probes))
	return nil
}

func disasmCommand(ctx *cli.Context) error {
	path := ctx.Args().First()
	if path == "" {
		return cli.NewExitError("usage: hogtrace disasm <file.htb>", 1)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cli.NewExitError(err.Error(), 1)
	}
	prog, err := program.Unmarshal(data)
	if err != nil {
		return cli.NewExitError(fmt.Sprintf("decode: %v", err), 1)
	}

	bold := color.New(color.Bold)
	bold.Printf("program version %d, sampling %g\n\n", prog.Version, prog.Sampling)

	bold.Println("constants:")
	for i, c := range prog.ConstantPool.Constants() {
		fmt.Printf("  [%d] %s\n", i, c)
	}

	for _, probe := range prog.Probes {
		fmt.Println()
		bold.Printf("%s  fn:%s:%s\n", probe.ID, probe.Spec.Fn.Specifier, probe.Spec.Fn.Target)
		if len(probe.Predicate) > 0 {
			fmt.Println("  predicate:")
			fmt.Print(indent(bytecode.Disassemble(probe.Predicate, prog.ConstantPool)))
		}
		fmt.Println("  body:")
		fmt.Print(indent(bytecode.Disassemble(probe.Body, prog.ConstantPool)))
	}
	return nil
}

// runCommand fires every probe against a canned demo frame, printing
// capture events as they are delivered.
func runCommand(ctx *cli.Context) error {
	path := ctx.Args().First()
	if path == "" {
		return cli.NewExitError("usage: hogtrace run <file.ht>", 1)
	}

	prog, err := loadAndCompile(path)
	if err != nil {
		return err
	}

	sink := host.SinkFunc(func(probeID string, events []host.CaptureEvent) {
		for _, ev := range events {
			fmt.Printf("capture [%s] %s\n", probeID, formatEvent(ev))
		}
	})
	engine := host.NewEngine(prog, sink)
	store := host.NewRequestStore()

	for _, probe := range prog.Probes {
		fn := probe.Spec.Fn
		frame := demoFrame(fn.Specifier)

		var fireErr error
		if fn.Target == program.TargetExit {
			fireErr = engine.FireExit(frame, value.Int(200), true, value.None, store)
		} else {
			fireErr = engine.FireEntry(frame, store)
		}
		if fireErr != nil {
			printDiagnostic(path, fireErr)
		}
	}
	return nil
}

// demoFrame builds the sample call state the run command fires against.
func demoFrame(specifier string) host.Frame {
	// Wildcards in the specifier are pinned to a concrete segment so
	// the probe matches its own site.
	fn := strings.ReplaceAll(specifier, "*", "demo")
	return host.Frame{
		Function: fn,
		Args: []value.Value{
			value.Int(150),
			value.String("test@example.com"),
			value.Bool(true),
		},
		Kwargs: map[string]value.Value{},
		Locals: map[string]value.Value{
			"user_id": value.Int(150),
		},
		Globals: map[string]value.Value{},
		Self:    value.None,
	}
}

func formatEvent(ev host.CaptureEvent) string {
	var b strings.Builder
	b.WriteByte('{')
	first := true
	for k, v := range ev.Data {
		if !first {
			b.WriteString(", ")
		}
		first = false
		fmt.Fprintf(&b, "%s: %#v", k, v)
	}
	b.WriteByte('}')
	return b.String()
}

func indent(s string) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	for i, line := range lines {
		lines[i] = "    " + line
	}
	return strings.Join(lines, "\n") + "\n"
}
