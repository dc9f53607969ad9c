package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/banshee-data/emstat/internal/mscript"
)

var decodeCmd = &cobra.Command{
	Use:   "decode <capture | ->",
	Short: "Decode captured device output",
	Long: `Reads raw bytes as received from the device, splits them into lines and
prints the kind of every line. Data packages are expanded into their
variables with status and current range.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var in io.Reader = cmd.InOrStdin()
		if args[0] != "-" {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			in = f
		}
		return decodeStream(cmd.OutOrStdout(), in)
	},
}

func init() {
	rootCmd.AddCommand(decodeCmd)
}

// decodeStream feeds r through a line assembler and describes each line.
// An unterminated tail is reported but not decoded.
func decodeStream(w io.Writer, r io.Reader) error {
	asm := mscript.NewLineAssembler()
	buf := make([]byte, 4096)
	n := 0
	for {
		k, err := r.Read(buf)
		for line := range asm.Feed(buf[:k]) {
			n++
			describeLine(w, n, line)
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
	}
	if rest := asm.Pending(); len(rest) > 0 {
		fmt.Fprintf(w, "unterminated: %q\n", rest)
	}
	return nil
}

func describeLine(w io.Writer, n int, line mscript.Line) {
	kind := mscript.Classify(line)
	fmt.Fprintf(w, "%4d %-10s %q\n", n, kind, line.String())
	if kind != mscript.ReplyPackage {
		return
	}
	vars, err := mscript.ParsePackage(line)
	for _, v := range vars {
		desc := v.ID
		unit := ""
		if vt, ok := mscript.LookupVarType(v.ID); ok {
			desc, unit = vt.Name, vt.Unit
		}
		var meta []string
		if v.Status != nil {
			meta = append(meta, "status="+v.Status.String())
		}
		if v.Range != nil {
			meta = append(meta, "range="+v.Range.Name)
		}
		if v.Noise != nil {
			meta = append(meta, "noise="+*v.Noise)
		}
		fmt.Fprintf(w, "     %s %-22s %.6g %s %s\n", v.ID, desc, v.Value, unit, strings.Join(meta, " "))
	}
	if err != nil {
		fmt.Fprintf(w, "     error: %v\n", err)
	}
}
