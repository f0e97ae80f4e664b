// Package imageaccess implements the Image Access Layer: a memory-mapped,
// read-only view of a qcow2 host file, addressed by the virtual offsets the
// qcow2 segment map describes rather than raw file offsets.
package imageaccess

import (
	"context"
	"fmt"
	"os"
	"sort"

	"golang.org/x/sys/unix"

	"btrfsqcow.dev/audit/internal/btrfsvol"
	"btrfsqcow.dev/audit/internal/qcow2"
)

// Layer owns the memory mapping of the qcow2 host file and its segment
// map, and is the sole place raw bytes are ever read from.
type Layer struct {
	file     *os.File
	mapping  []byte
	segments []qcow2.Segment
}

// Open memory-maps path read-only and loads its qcow2 segment map.
func Open(ctx context.Context, path string) (*Layer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("imageaccess: open %s: %w", path, err)
	}

	segments, err := qcow2.LoadMap(ctx, path)
	if err != nil {
		f.Close()
		return nil, err
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("imageaccess: stat %s: %w", path, err)
	}
	if info.Size() == 0 {
		f.Close()
		return nil, fmt.Errorf("imageaccess: %s is empty", path)
	}

	mapping, err := unix.Mmap(int(f.Fd()), 0, int(info.Size()), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("imageaccess: mmap %s: %w", path, err)
	}

	return &Layer{file: f, mapping: mapping, segments: segments}, nil
}

// Close releases the memory mapping and the underlying file descriptor.
func (l *Layer) Close() error {
	var err error
	if l.mapping != nil {
		err = unix.Munmap(l.mapping)
		l.mapping = nil
	}
	if cerr := l.file.Close(); err == nil {
		err = cerr
	}
	return err
}

// Segments returns the qcow2 segment map backing this layer, in ascending
// order by virtual start offset.
func (l *Layer) Segments() []qcow2.Segment { return l.segments }

// DeviceSize is the virtual size of the image, taken from the map's last
// segment end.
func (l *Layer) DeviceSize() uint64 { return qcow2.DeviceSize(l.segments) }

// Read fills buf entirely with the bytes at virtual offset off,
// scatter-gathering across however many segments it spans and
// materialising zeros for zero/unmapped segments.
func (l *Layer) Read(off uint64, buf []byte) error {
	for len(buf) > 0 {
		seg, ok := l.segmentAt(off)
		if !ok {
			return fmt.Errorf("imageaccess: no segment covers virtual offset %#x", off)
		}
		avail := seg.End() - off
		n := uint64(len(buf))
		if n > avail {
			n = avail
		}
		if seg.Zero {
			for i := uint64(0); i < n; i++ {
				buf[i] = 0
			}
		} else {
			fileOff := seg.Offset + (off - seg.Start)
			if fileOff+n > uint64(len(l.mapping)) {
				return fmt.Errorf("imageaccess: segment at %#x maps past end of host file", off)
			}
			copy(buf[:n], l.mapping[fileOff:fileOff+n])
		}
		buf = buf[n:]
		off += n
	}
	return nil
}

// ReadAt adapts Read to btrfstree.Reader: in this tool's single-device
// model, a Btrfs "physical" address is simply a virtual offset into the
// qcow2 image.
func (l *Layer) ReadAt(buf []byte, paddr btrfsvol.PhysicalAddr) error {
	return l.Read(uint64(paddr), buf)
}

func (l *Layer) segmentAt(off uint64) (qcow2.Segment, bool) {
	segs := l.segments
	i := sort.Search(len(segs), func(i int) bool { return segs[i].End() > off })
	if i == len(segs) || segs[i].Start > off {
		return qcow2.Segment{}, false
	}
	return segs[i], true
}
