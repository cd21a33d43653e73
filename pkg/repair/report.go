package repair

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/cloudfoundry/bytefmt"
	"github.com/pkg/errors"
	"github.com/sisatech/tablewriter"
	"gopkg.in/yaml.v2"
)

// Report summarises a session.
type Report struct {
	RunID       string         `yaml:"run_id"`
	Started     time.Time      `yaml:"started"`
	Elapsed     string         `yaml:"elapsed"`
	NoModify    bool           `yaml:"no_modify"`
	Geometry    GeometryReport `yaml:"geometry"`
	Passes      []PassReport   `yaml:"passes"`
	Stats       Stats          `yaml:"stats"`
	Irreparable bool           `yaml:"irreparable"`
	AGs         []AGReport     `yaml:"allocation_groups"`
	Diagnostics []string       `yaml:"diagnostics,omitempty"`
}

type GeometryReport struct {
	BlockSize    string `yaml:"block_size"`
	InodeSize    int64  `yaml:"inode_size"`
	AGCount      uint32 `yaml:"ag_count"`
	AGSize       string `yaml:"ag_size"`
	DataSize     string `yaml:"data_size"`
	RealtimeSize string `yaml:"realtime_size,omitempty"`
}

type PassReport struct {
	Pass    int    `yaml:"pass"`
	Name    string `yaml:"name"`
	Elapsed string `yaml:"elapsed"`
	Skipped bool   `yaml:"skipped,omitempty"`
}

type AGReport struct {
	AG         uint32 `yaml:"ag"`
	Chunks     uint64 `yaml:"inode_chunks"`
	Inodes     uint64 `yaml:"inodes"`
	Dirs       uint64 `yaml:"directories"`
	Cleared    uint64 `yaml:"cleared"`
	Duplicates int    `yaml:"duplicate_extents"`
	FreeBlocks uint64 `yaml:"unowned_blocks"`
}

// Report collects the session's counters. It may be called after any pass.
func (s *Session) Report() *Report {

	geo := s.geo
	bs := uint64(geo.BlockSize())

	r := &Report{
		RunID:       s.runID,
		Started:     s.started,
		Elapsed:     time.Since(s.started).Round(time.Millisecond).String(),
		NoModify:    s.opts.NoModify,
		Stats:       s.Stats(),
		Irreparable: s.Irreparable(),
		Geometry: GeometryReport{
			BlockSize: bytefmt.ByteSize(bs),
			InodeSize: geo.InodeSize(),
			AGCount:   geo.AGCount,
			AGSize:    bytefmt.ByteSize(uint64(geo.AGBlocks) * bs),
			DataSize:  bytefmt.ByteSize(geo.DataBlocks * bs),
		},
	}

	if geo.HasRealtime() {
		r.Geometry.RealtimeSize = bytefmt.ByteSize(geo.RBlocks * bs)
	}

	for _, t := range s.timings {
		r.Passes = append(r.Passes, PassReport{
			Pass:    int(t.pass),
			Name:    t.pass.String(),
			Elapsed: t.elapsed.Round(time.Microsecond).String(),
			Skipped: t.skipped,
		})
	}

	for agno := uint32(0); agno < geo.AGCount; agno++ {
		st := &s.agstats[agno]
		r.AGs = append(r.AGs, AGReport{
			AG:         agno,
			Chunks:     st.chunks,
			Inodes:     st.inodes,
			Dirs:       st.dirs,
			Cleared:    st.cleared,
			Duplicates: s.dups[agno].Len(),
			FreeBlocks: s.unownedBlocks(agno),
		})
	}

	s.tailLock.Lock()
	tail := string(s.tail.Bytes())
	s.tailLock.Unlock()

	if s.tail.TotalWritten() > s.tail.Size() {
		// the first line is probably cut short
		if i := strings.IndexByte(tail, '\n'); i >= 0 {
			tail = tail[i+1:]
		}
	}

	for _, line := range strings.Split(tail, "\n") {
		if line != "" {
			r.Diagnostics = append(r.Diagnostics, line)
		}
	}

	return r

}

// ExitCode is 1 when the filesystem was left, or would be left,
// inconsistent and 0 otherwise.
func (r *Report) ExitCode() int {
	if r.Irreparable || r.Stats.IOErrors > 0 {
		return 1
	}
	if r.NoModify && r.Stats.Repairs() > 0 {
		return 1
	}
	return 0
}

func (r *Report) WriteYAML(w io.Writer) error {
	data, err := yaml.Marshal(r)
	if err != nil {
		return errors.Wrap(err, "encoding report")
	}
	_, err = w.Write(data)
	return err
}

// WriteTable prints the per-AG counters followed by the totals.
func (r *Report) WriteTable(w io.Writer) {

	table := tablewriter.NewWriter(w)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetBorder(false)
	table.SetColumnSeparator("")
	table.SetHeader([]string{"AG", "CHUNKS", "INODES", "DIRS", "CLEARED", "DUPLICATES", "UNOWNED"})

	for _, ag := range r.AGs {
		table.Append([]string{
			fmt.Sprintf("%d", ag.AG),
			fmt.Sprintf("%d", ag.Chunks),
			fmt.Sprintf("%d", ag.Inodes),
			fmt.Sprintf("%d", ag.Dirs),
			fmt.Sprintf("%d", ag.Cleared),
			fmt.Sprintf("%d", ag.Duplicates),
			fmt.Sprintf("%d", ag.FreeBlocks),
		})
	}

	table.Render()

	verb := "made"
	if r.NoModify {
		verb = "needed"
	}

	fmt.Fprintf(w, "\n%d repairs %s in %s (run %s)\n", r.Stats.Repairs(), verb, r.Elapsed, r.RunID)
	if r.Irreparable {
		fmt.Fprintf(w, "the filesystem has damage that could not be repaired\n")
	}
	if r.Stats.IOErrors > 0 {
		fmt.Fprintf(w, "%d I/O errors\n", r.Stats.IOErrors)
	}

}

func (s *Session) unownedBlocks(agno uint32) uint64 {
	var n uint64
	for _, e := range s.unowned(agno) {
		n += uint64(e.Length)
	}
	return n
}
