// cmd/dldump/main.go
// Copyright(c) 2022-2025 vice contributors, licensed under the GNU Public License, Version 3.
// SPDX: GPL-3.0-only

// dldump prints the commands and patch table of display lists saved with
// dlist.Save, along with the lists they call.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mmp/gfxthread/dlist"
	"github.com/mmp/gfxthread/props"
	"github.com/mmp/gfxthread/protocol"
	"github.com/mmp/gfxthread/ringbuf"
	"github.com/mmp/gfxthread/util"

	"github.com/apenwarr/fixconsole"
	"github.com/goforj/godump"
)

var (
	verbose = flag.Bool("v", false, "dump command payloads and client state")
	depth   = flag.Int("depth", 8, "maximum depth of called lists to print")
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: dldump [flags] file.dl...\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if err := fixconsole.FixConsoleIfNeeded(); err != nil {
		fmt.Printf("FixConsole: %v\n", err)
	}

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	ok := true
	for _, fn := range flag.Args() {
		if err := dumpFile(os.Stdout, fn); err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", fn, err)
			ok = false
		}
	}
	if !ok {
		os.Exit(1)
	}
}

func dumpFile(w io.Writer, fn string) error {
	f, err := os.Open(fn)
	if err != nil {
		return err
	}
	defer f.Close()

	sheet := props.NewSheet()
	l, err := dlist.Load(f, sheet)
	if err != nil {
		return err
	}
	defer l.Release()

	fmt.Fprintf(w, "%s:\n", fn)
	return dumpList(w, l, sheet, 0)
}

func dumpList(w io.Writer, l *dlist.DisplayList, sheet *props.Sheet, level int) error {
	indent := strings.Repeat("    ", level)
	fmt.Fprintf(w, "%slist %d: %d bytes, %d patches, %d calls\n", indent, l.SavedID(), len(l.Data()),
		len(l.Patches()), len(l.Callees()))

	patches := make(map[int]dlist.Patch)
	for _, p := range l.Patches() {
		patches[p.Offset] = p
		fmt.Fprintf(w, "%s  patch @%-6d %-7s %3d bytes <- %q\n", indent, p.Offset, p.Kind, p.Size,
			sheet.Name(p.Source.Prop))
	}

	err := protocol.Walk(l.Data(), func(c protocol.Command) error {
		fmt.Fprintf(w, "%s  %6d %s", indent, c.Offset, c.Tag)
		if len(c.Data) > 0 {
			fmt.Fprintf(w, " +%d bytes", len(c.Data))
		}
		if n := patchesIn(patches, c); n > 0 {
			fmt.Fprintf(w, " [%d patched]", n)
		}
		fmt.Fprintln(w)

		if c.Tag == protocol.CmdCallDisplayList && len(c.Data) > 0 {
			err := protocol.WalkParams(c.Data, func(offset int, value []byte) error {
				fmt.Fprintf(w, "%s         param @%d: %d bytes\n", indent, offset, len(value))
				return nil
			})
			if err != nil {
				return err
			}
		}
		if *verbose {
			fmt.Fprintf(w, "%s", godump.DumpStr(c.Decode()))
		}
		return nil
	})
	if err != nil {
		return err
	}

	if *verbose {
		st, dirty := l.ClientData()
		fmt.Fprintf(w, "%s  client state (dirty %#x):\n", indent, uint32(dirty))
		godump.Fdump(w, st)
	}

	if level+1 >= *depth {
		if len(l.Callees()) > 0 {
			fmt.Fprintf(w, "%s  ...\n", indent)
		}
		return nil
	}
	for _, c := range l.Callees() {
		if err := dumpList(w, c, sheet, level+1); err != nil {
			return err
		}
	}
	return nil
}

// patchesIn returns the number of patches that fall in the command's
// payload or data.
func patchesIn(patches map[int]dlist.Patch, c protocol.Command) int {
	end := c.Offset + len(c.Payload)
	if len(c.Data) > 0 {
		end = util.AlignUp(end, ringbuf.Align) + len(c.Data)
	}
	n := 0
	for off := range patches {
		if off >= c.Offset && off < end {
			n++
		}
	}
	return n
}
