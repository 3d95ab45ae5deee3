// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package objectstore

import (
	"fmt"
	"os"
	"path/filepath"
)

// Tier is one of the three storage classes. Tiers differ in expected
// access latency and retention: hot holds recently used snapshots,
// warm holds aging ones, cold holds snapshots untouched for long
// enough that retrieval latency no longer matters. Each tier is a
// physically distinct directory subtree with independent space
// accounting.
type Tier string

const (
	TierHot  Tier = "hot"
	TierWarm Tier = "warm"
	TierCold Tier = "cold"
)

// Tiers lists all storage tiers in demotion order.
var Tiers = []Tier{TierHot, TierWarm, TierCold}

// ParseTier validates a tier name.
func ParseTier(name string) (Tier, error) {
	switch Tier(name) {
	case TierHot, TierWarm, TierCold:
		return Tier(name), nil
	default:
		return "", fmt.Errorf("unknown tier: %q", name)
	}
}

// tmpDir is the staging directory for atomic writes, sibling to the
// tier subtrees so renames stay on one filesystem.
const tmpDir = "tmp"

// TierDirectory manages the physical layout of the store root: one
// subtree per tier plus a tmp staging area. Objects are addressed by
// storage id and sharded by the first two hex byte pairs:
//
//	<root>/<tier>/<hex[:2]>/<hex[2:4]>/<hex>
//
// All writes go through a temp file and an atomic rename, so a
// partially written object is never visible under its final path.
type TierDirectory struct {
	root string
}

// NewTierDirectory creates the tier subtrees under root if they do
// not exist.
func NewTierDirectory(root string) (*TierDirectory, error) {
	directories := []string{filepath.Join(root, tmpDir)}
	for _, tier := range Tiers {
		directories = append(directories, filepath.Join(root, string(tier)))
	}
	for _, directory := range directories {
		if err := os.MkdirAll(directory, 0o755); err != nil {
			return nil, fmt.Errorf("creating store directory %s: %w", directory, err)
		}
	}
	return &TierDirectory{root: root}, nil
}

// Root returns the store root directory.
func (d *TierDirectory) Root() string { return d.root }

// ObjectPath returns the sharded path of an object within a tier.
func (d *TierDirectory) ObjectPath(tier Tier, storageID Hash) string {
	hex := FormatHash(storageID)
	return filepath.Join(d.root, string(tier), hex[:2], hex[2:4], hex)
}

// WriteObject writes payload under the given tier via temp file and
// atomic rename. If the object already exists at the final path, the
// existing file is kept — same storage id means same bytes by
// construction.
func (d *TierDirectory) WriteObject(tier Tier, storageID Hash, payload []byte) error {
	finalPath := d.ObjectPath(tier, storageID)

	if _, err := os.Stat(finalPath); err == nil {
		return nil
	}

	tmpFile, err := os.CreateTemp(filepath.Join(d.root, tmpDir), "object-*.bin")
	if err != nil {
		return fmt.Errorf("creating temp object file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(payload); err != nil {
		tmpFile.Close()
		return fmt.Errorf("writing object: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("closing temp object file: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(finalPath), 0o755); err != nil {
		return fmt.Errorf("creating object shard directory: %w", err)
	}

	if err := os.Rename(tmpPath, finalPath); err != nil {
		return fmt.Errorf("renaming object to %s: %w", finalPath, err)
	}

	success = true
	return nil
}

// ReadObject reads an object's stored bytes from a tier. A missing
// file surfaces the underlying os.ErrNotExist for the caller to
// classify (retry after a concurrent tier move, or corruption).
func (d *TierDirectory) ReadObject(tier Tier, storageID Hash) ([]byte, error) {
	data, err := os.ReadFile(d.ObjectPath(tier, storageID))
	if err != nil {
		return nil, fmt.Errorf("reading object %s from %s tier: %w", FormatHash(storageID), tier, err)
	}
	return data, nil
}

// RemoveObject deletes an object file from a tier. Removing an
// already-absent object is not an error.
func (d *TierDirectory) RemoveObject(tier Tier, storageID Hash) error {
	if err := os.Remove(d.ObjectPath(tier, storageID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing object %s from %s tier: %w", FormatHash(storageID), tier, err)
	}
	return nil
}

// CopyObject copies an object's bytes from one tier to another via
// the atomic write path. The source is left in place — tier moves
// delete it only after the index points at the destination, so a
// concurrent reader always finds the object at one of the two
// locations.
func (d *TierDirectory) CopyObject(storageID Hash, from, to Tier) error {
	payload, err := d.ReadObject(from, storageID)
	if err != nil {
		return err
	}
	return d.WriteObject(to, storageID, payload)
}

// ObjectExists reports whether an object file is present in a tier.
func (d *TierDirectory) ObjectExists(tier Tier, storageID Hash) bool {
	_, err := os.Stat(d.ObjectPath(tier, storageID))
	return err == nil
}
