// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package perfdata // import "go.opentelemetry.io/perfsession/perfdata"

import (
	"fmt"
	"io"
	"strings"

	log "github.com/sirupsen/logrus"

	"go.opentelemetry.io/perfsession/perfevent"
)

// Print writes one "# label : value" block per present feature. Full only
// features are summarized unless full is set.
func (h *Header) Print(w io.Writer, r io.ReaderAt, full bool) error {
	return h.ProcessSections(r, func(f Feature, _ FileSection, sr *io.SectionReader) error {
		ops := featureTable[f]
		if ops.print == nil {
			return nil
		}
		if ops.fullOnly && !full {
			_, err := fmt.Fprintf(w, "# %v info available, use -I to display\n", f)
			return err
		}
		if err := ops.print(w, &featureReader{r: sr, order: h.Order}, h); err != nil {
			log.Debugf("Failed to print %v: %v", f, err)
		}
		return nil
	})
}

func printString(label string) func(io.Writer, *featureReader, *Header) error {
	return func(w io.Writer, fr *featureReader, _ *Header) error {
		s, err := fr.str()
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(w, "# %s : %s\n", label, s)
		return err
	}
}

func printNrCPUs(w io.Writer, fr *featureReader, _ *Header) error {
	first, err := fr.u32()
	if err != nil {
		return err
	}
	second, err := fr.u32()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "# nrcpus online : %d\n# nrcpus avail : %d\n", first, second)
	return err
}

func printTotalMem(w io.Writer, fr *featureReader, _ *Header) error {
	mem, err := fr.u64()
	if err != nil {
		_, err = fmt.Fprintln(w, "# total memory : unknown")
		return err
	}
	_, err = fmt.Fprintf(w, "# total memory : %d kB\n", mem)
	return err
}

func printCmdline(w io.Writer, fr *featureReader, _ *Header) error {
	n, err := fr.u32()
	if err != nil {
		return err
	}
	var sb strings.Builder
	sb.WriteString("# cmdline : ")
	for range min(n, maxEntries) {
		s, err := fr.str()
		if err != nil {
			return err
		}
		sb.WriteString(s)
		sb.WriteByte(' ')
	}
	sb.WriteByte('\n')
	_, err = io.WriteString(w, sb.String())
	return err
}

func readStringList(fr *featureReader) ([]string, error) {
	n, err := fr.u32()
	if err != nil {
		return nil, err
	}
	if n > maxEntries {
		return nil, fmt.Errorf("%d strings exceed limit", n)
	}
	out := make([]string, 0, n)
	for range n {
		s, err := fr.str()
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func printCPUTopology(w io.Writer, fr *featureReader, _ *Header) error {
	cores, err := readStringList(fr)
	if err != nil {
		return err
	}
	threads, err := readStringList(fr)
	if err != nil {
		return err
	}
	var sb strings.Builder
	for _, c := range cores {
		fmt.Fprintf(&sb, "# sibling cores   : %s\n", c)
	}
	for _, t := range threads {
		fmt.Fprintf(&sb, "# sibling threads : %s\n", t)
	}
	_, err = io.WriteString(w, sb.String())
	return err
}

// EventDesc is one entry of the EVENT_DESC feature.
type EventDesc struct {
	Name string
	Attr perfevent.Attr
	IDs  []uint64
}

func readEventDesc(fr *featureReader) ([]EventDesc, error) {
	nre, err := fr.u32()
	if err != nil {
		return nil, err
	}
	sz, err := fr.u32()
	if err != nil {
		return nil, err
	}
	if sz < perfevent.AttrSize || sz > 4096 || nre > maxEntries {
		return nil, fmt.Errorf("bad event desc %d x %d", nre, sz)
	}
	out := make([]EventDesc, 0, nre)
	for range nre {
		b, err := fr.read(int(sz))
		if err != nil {
			return nil, err
		}
		attr, err := perfevent.DecodeAttr(b, fr.order)
		if err != nil {
			return nil, err
		}
		nr, err := fr.u32()
		if err != nil {
			return nil, err
		}
		if nr > maxEntries {
			return nil, fmt.Errorf("%d ids exceed limit", nr)
		}
		name, err := fr.str()
		if err != nil {
			return nil, err
		}
		ids := make([]uint64, nr)
		for i := range ids {
			if ids[i], err = fr.u64(); err != nil {
				return nil, err
			}
		}
		out = append(out, EventDesc{Name: name, Attr: attr, IDs: ids})
	}
	return out, nil
}

func printEventDesc(w io.Writer, fr *featureReader, _ *Header) error {
	descs, err := readEventDesc(fr)
	if err != nil {
		_, err = fmt.Fprintln(w, "# event desc: not available or unable to read")
		return err
	}
	var sb strings.Builder
	for _, d := range descs {
		a := &d.Attr
		fmt.Fprintf(&sb, "# event : name = %s, type = %d, config = %#x, "+
			"config1 = %#x, config2 = %#x, excl_usr = %d, excl_kern = %d, precise_ip = %d",
			d.Name, a.Type, a.Config, a.Config1, a.Config2,
			flagBit(a.Flags, perfevent.AttrFlagExcludeUser),
			flagBit(a.Flags, perfevent.AttrFlagExcludeKernel), a.PreciseIP())
		if len(d.IDs) > 0 {
			sb.WriteString(", id = {")
			for i, id := range d.IDs {
				if i > 0 {
					sb.WriteByte(',')
				}
				fmt.Fprintf(&sb, " %d", id)
			}
			sb.WriteString(" }")
		}
		sb.WriteByte('\n')
	}
	_, err = io.WriteString(w, sb.String())
	return err
}

func flagBit(flags, bit uint64) int {
	if flags&bit != 0 {
		return 1
	}
	return 0
}

func printNUMATopology(w io.Writer, fr *featureReader, _ *Header) error {
	var sb strings.Builder
	err := func() error {
		nr, err := fr.u32()
		if err != nil {
			return err
		}
		for range min(nr, maxEntries) {
			node, err := fr.u32()
			if err != nil {
				return err
			}
			total, err := fr.u64()
			if err != nil {
				return err
			}
			free, err := fr.u64()
			if err != nil {
				return err
			}
			cpus, err := fr.str()
			if err != nil {
				return err
			}
			fmt.Fprintf(&sb, "# node%d meminfo  : total = %d kB, free = %d kB\n"+
				"# node%d cpu list : %s\n", node, total, free, node, cpus)
		}
		return nil
	}()
	if err != nil {
		_, err = fmt.Fprintln(w, "# numa topology : not available")
		return err
	}
	_, err = io.WriteString(w, sb.String())
	return err
}

// ReadEventDesc returns the entries of the EVENT_DESC feature, or nil when
// the file has none.
func (h *Header) ReadEventDesc(r io.ReaderAt) ([]EventDesc, error) {
	var descs []EventDesc
	err := h.ProcessSections(r, func(f Feature, _ FileSection, sr *io.SectionReader) error {
		if f != FeatEventDesc {
			return nil
		}
		var err error
		descs, err = readEventDesc(&featureReader{r: sr, order: h.Order})
		return err
	})
	return descs, err
}
