package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/oisee/dbrew-go/pkg/arena"
	"github.com/oisee/dbrew-go/pkg/decode"
	"github.com/oisee/dbrew-go/pkg/printer"
	"github.com/oisee/dbrew-go/pkg/result"
	"github.com/oisee/dbrew-go/pkg/rewrite"
	"github.com/oisee/dbrew-go/pkg/verify"
	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "dbrewgo",
		Short: "dbrewgo — dynamic x86-64 binary rewriter",
	}

	// disasm command
	disasmCmd := &cobra.Command{
		Use:   "disasm [file]",
		Short: "Decode a raw machine-code file and print it in AT&T syntax",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			buf, err := readCodeFile(args[0])
			if err != nil {
				return err
			}
			decoded := decode.DecodeBytes(buf, 0, len(buf), true)
			fmt.Println(printer.FormatSequence(decoded.All()))
			return nil
		},
	}

	// specialize command
	var argsStr string
	var reportPath string
	var arenaSize int

	specializeCmd := &cobra.Command{
		Use:   "specialize [file]",
		Short: "Specialize a function against a known/unknown argument list",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			buf, err := readCodeFile(args[0])
			if err != nil {
				return err
			}
			specArgs, err := parseArgs(argsStr)
			if err != nil {
				return err
			}

			src, err := arena.Create(len(buf))
			if err != nil {
				return err
			}
			defer src.Destroy()
			if _, err := src.Commit(len(buf)); err != nil {
				return err
			}
			src.Write(0, buf)
			fn := src.FuncAt(0)

			opts := rewrite.Options{ArenaSize: arenaSize}
			spec, err := rewrite.Specialize(fn, specArgs, opts)
			if err != nil {
				return fmt.Errorf("specialize: %w", err)
			}

			rep := result.Report{
				Name:          args[0],
				OriginalBytes: len(buf),
				BailOut:       spec.BailOut,
				Reason:        spec.Reason,
			}
			if spec.BailOut {
				fmt.Printf("bail out: %s (original function returned unchanged)\n", spec.Reason)
			} else {
				defer spec.Arena.Destroy()
				residualBytes := spec.Arena.Used()
				residual := decode.Decode(uintptr(spec.Func), residualBytes, true)
				rep.Captured = true
				rep.ResidualInstrCount = residual.Len()
				rep.ResidualBytes = residualBytes
				fmt.Printf("original:  %s\n", printer.FormatSequence(decode.DecodeBytes(buf, 0, len(buf), true).All()))
				fmt.Printf("residual:  %s\n", printer.FormatSequence(residual.All()))
				fmt.Printf("%d -> %d bytes (-%d)\n", rep.OriginalBytes, rep.ResidualBytes, rep.BytesSaved())
			}

			if reportPath != "" {
				tbl := result.NewTable()
				tbl.Add(rep)
				f, err := os.Create(reportPath)
				if err != nil {
					return err
				}
				defer f.Close()
				if err := tbl.WriteJSON(f); err != nil {
					return err
				}
			}
			return nil
		},
	}
	specializeCmd.Flags().StringVar(&argsStr, "args", "", "Comma-separated argument policy: known:VALUE or unknown, in ABI order")
	specializeCmd.Flags().StringVar(&reportPath, "report", "", "Write a JSON specialization report to this path")
	specializeCmd.Flags().IntVar(&arenaSize, "arena-size", 4096, "Executable arena byte capacity hint")

	// verify command
	var knownStr string

	verifyCmd := &cobra.Command{
		Use:   "verify [original-file] [residual-file]",
		Short: "Quick-check whether residual is semantically equivalent to original",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			origBuf, err := readCodeFile(args[0])
			if err != nil {
				return err
			}
			residBuf, err := readCodeFile(args[1])
			if err != nil {
				return err
			}
			known, err := parseKnownMask(knownStr)
			if err != nil {
				return err
			}

			original := decode.DecodeBytes(origBuf, 0, len(origBuf), true).All()
			residual := decode.DecodeBytes(residBuf, 0, len(residBuf), true).All()

			if verify.QuickCheck(original, residual, known) {
				fmt.Println("PASS: residual is consistent with original across the test-vector battery")
			} else {
				fmt.Println("FAIL: residual diverges from original on at least one test vector")
				os.Exit(1)
			}
			return nil
		},
	}
	verifyCmd.Flags().StringVar(&knownStr, "known", "", "Comma-separated true/false per ABI argument position")

	rootCmd.AddCommand(disasmCmd, specializeCmd, verifyCmd)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// readCodeFile reads a machine-code file, treating a file beginning with
// "hex:" as a hex-encoded text blob and anything else as raw bytes.
func readCodeFile(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if rest, ok := strings.CutPrefix(string(raw), "hex:"); ok {
		decoded, err := hex.DecodeString(strings.TrimSpace(rest))
		if err != nil {
			return nil, fmt.Errorf("decode hex payload: %w", err)
		}
		return decoded, nil
	}
	return raw, nil
}

// parseArgs parses "known:3,unknown,known:10" into a rewrite.Arg slice.
func parseArgs(s string) ([]rewrite.Arg, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	out := make([]rewrite.Arg, len(parts))
	for i, p := range parts {
		p = strings.TrimSpace(p)
		if p == "unknown" {
			out[i] = rewrite.Unknown()
			continue
		}
		val, ok := strings.CutPrefix(p, "known:")
		if !ok {
			return nil, fmt.Errorf("invalid --args entry %q: want \"known:VALUE\" or \"unknown\"", p)
		}
		v, err := strconv.ParseUint(strings.TrimSpace(val), 0, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid --args entry %q: %w", p, err)
		}
		out[i] = rewrite.Known(v)
	}
	return out, nil
}

// parseKnownMask parses "true,false,false" into a []bool.
func parseKnownMask(s string) ([]bool, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	out := make([]bool, len(parts))
	for i, p := range parts {
		v, err := strconv.ParseBool(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("invalid --known entry %q: %w", p, err)
		}
		out[i] = v
	}
	return out, nil
}
