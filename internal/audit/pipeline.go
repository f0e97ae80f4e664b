// Package audit wires the Image Access Layer, Chunk Table, Tree Engine,
// the two per-tree analysers, and the Reconciliation Engine into the
// single linear pass spec.md §2 describes, and aggregates their findings
// into one report.
package audit

import (
	"context"
	"fmt"

	"btrfsqcow.dev/audit/internal/auditlog"
	"btrfsqcow.dev/audit/internal/btrfs"
	"btrfsqcow.dev/audit/internal/btrfstree"
	"btrfsqcow.dev/audit/internal/chunktable"
	"btrfsqcow.dev/audit/internal/devtree"
	"btrfsqcow.dev/audit/internal/fstree"
	"btrfsqcow.dev/audit/internal/imageaccess"
	"btrfsqcow.dev/audit/internal/reconcile"
)

// Report is the complete result of one audit run.
type Report struct {
	Findings []string
	Clean    bool
}

// Run opens path, runs the full audit pipeline against it, and logs
// progress and findings through log. The returned Report.Clean is false
// if any discrepancy was found; callers map that to the process exit code.
func Run(ctx context.Context, path string, log *auditlog.Logger) (*Report, error) {
	layer, err := imageaccess.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	defer layer.Close()

	log.Info("opened %s: device size %#x", path, layer.DeviceSize())

	sbBuf := make([]byte, 0x1000)
	if err := layer.Read(uint64(btrfs.WellKnownOffsets[0]), sbBuf); err != nil {
		return nil, fmt.Errorf("audit: reading superblock: %w", err)
	}
	sb, err := btrfs.DecodeAndValidate(sbBuf)
	if err != nil {
		return nil, fmt.Errorf("audit: superblock: %w", err)
	}
	log.Info("superblock: generation=%d node_size=%#x sector_size=%#x", sb.Generation, sb.NodeSize, sb.SectorSize)

	chunks, err := chunktable.Load(sb, layer)
	if err != nil {
		return nil, fmt.Errorf("audit: building chunk table: %w", err)
	}
	log.Info("chunk table: %d chunks", len(chunks.Entries()))

	tree := &btrfstree.Tree{
		Resolver:     chunks,
		Reader:       layer,
		NodeSize:     sb.NodeSize,
		ChecksumType: sb.CSumType,
		FSUUID:       sb.FSID,
	}

	// The root tree's own location comes directly from the superblock; it
	// is the one tree with no ROOT_ITEM pointing to itself.
	rootTreeRoot, rootTreeLevel, rootTreeGen := sb.Root, sb.RootLevel, sb.Generation

	devResult, err := devtree.Analyse(tree, chunks, rootTreeRoot, rootTreeLevel, rootTreeGen, layer.Segments())
	if err != nil {
		return nil, fmt.Errorf("audit: device tree analysis: %w", err)
	}
	var findings []string
	for _, f := range devResult.Findings {
		log.Warn("%s", f.Message)
		findings = append(findings, f.Message)
	}

	var reconcileFindings []reconcile.Finding
	if sb.HasFreeSpaceTree() {
		fstResult, err := fstree.Analyse(tree, chunks, rootTreeRoot, rootTreeLevel, rootTreeGen, sb.SectorSize)
		if err != nil {
			return nil, fmt.Errorf("audit: free space tree analysis: %w", err)
		}
		for _, f := range fstResult.Findings {
			log.Warn("%s", f.Message)
			findings = append(findings, f.Message)
		}
		reconcileFindings, err = reconcile.Run(devResult.ByChunk, fstResult.ByChunk)
		if err != nil {
			return nil, fmt.Errorf("audit: reconciliation: %w", err)
		}
	} else {
		log.Warn("not analysing free space as filesystem is not using free space tree")
	}

	for _, f := range reconcileFindings {
		log.Error("%s", f.Message)
		findings = append(findings, f.Message)
	}

	log.Info("audit complete: %d discrepancies", len(findings))

	return &Report{Findings: findings, Clean: len(findings) == 0}, nil
}
