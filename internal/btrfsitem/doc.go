// Package btrfsitem decodes the payload bytes of leaf items the tree
// engine hands back, for the handful of item types this tool actually
// needs: chunks, device extents, root items, and the three free-space-tree
// item shapes. Everything else is left as opaque bytes by the caller.
package btrfsitem
