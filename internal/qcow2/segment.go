// Package qcow2 parses the segment map that the external qemu-img
// utility reports for a qcow2 image: the ordered list of virtual-offset
// ranges annotated with whether each is backed by real data, reads as
// zeros, or is unmapped.
package qcow2

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
)

// Segment is one contiguous range of the qcow2 virtual address space.
type Segment struct {
	Start      uint64 `json:"start"`
	Length     uint64 `json:"length"`
	Offset     uint64 `json:"offset"`
	Data       bool   `json:"data"`
	Zero       bool   `json:"zero"`
	Present    bool   `json:"present"`
	Compressed bool   `json:"compressed"`
}

// End is the first virtual offset past this segment.
func (s Segment) End() uint64 { return s.Start + s.Length }

// Allocated reports whether this segment holds real (non-zero) host data.
func (s Segment) Allocated() bool { return !s.Zero }

// LoadMap invokes `qemu-img map --output json <path>` and decodes its
// stdout into the ordered segment list, mirroring how ehrlich-b-go-qcow2's
// test harness shells out to qemu-img and parses its JSON output.
func LoadMap(ctx context.Context, path string) ([]Segment, error) {
	cmd := exec.CommandContext(ctx, "qemu-img", "map", "--output", "json", path)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("qcow2: qemu-img map: %w: %s", err, stderr.String())
	}

	var segments []Segment
	if err := json.Unmarshal(stdout.Bytes(), &segments); err != nil {
		return nil, fmt.Errorf("qcow2: parsing qemu-img map output: %w", err)
	}

	for i, seg := range segments {
		if seg.Compressed {
			return nil, fmt.Errorf("qcow2: segment %d [%#x, %#x) is compressed, which this tool does not support", i, seg.Start, seg.End())
		}
	}
	if err := validateCoverage(segments); err != nil {
		return nil, err
	}
	return segments, nil
}

// validateCoverage checks the invariant spec.md §3 requires: segments are
// contiguous, non-overlapping, and sorted by start.
func validateCoverage(segments []Segment) error {
	var want uint64
	for i, seg := range segments {
		if seg.Start != want {
			return fmt.Errorf("qcow2: segment %d starts at %#x, expected %#x (non-contiguous qcow coverage)", i, seg.Start, want)
		}
		want = seg.End()
	}
	return nil
}

// DeviceSize is the virtual size implied by the last segment's end.
func DeviceSize(segments []Segment) uint64 {
	if len(segments) == 0 {
		return 0
	}
	return segments[len(segments)-1].End()
}
