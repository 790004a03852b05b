// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package capsule

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"go.yaml.in/yaml/v3"

	"github.com/pdiddy/glyphcase/pkg/types"
)

// Manifest is the portable read-only view of a capsule: everything
// needed to audit its contents without opening the SQLite file.
type Manifest struct {
	// Path is the capsule file the manifest was exported from.
	Path string `json:"path" yaml:"path"`

	// Pages carries the metadata row of every item.
	Pages []types.MetadataRecord `json:"pages" yaml:"pages"`

	// Entities maps gids to their extracted entities.
	Entities map[string][]types.Entity `json:"entities,omitempty" yaml:"entities,omitempty"`

	// Edges lists every relation in the graph.
	Edges []types.Edge `json:"edges,omitempty" yaml:"edges,omitempty"`

	// Head is the current ledger head block, absent for an empty ledger.
	Head *types.LedgerBlock `json:"head,omitempty" yaml:"head,omitempty"`

	// Checkpoint is the latest merkle snapshot, absent when none exists.
	Checkpoint *types.Checkpoint `json:"checkpoint,omitempty" yaml:"checkpoint,omitempty"`
}

// Export builds the capsule manifest.
func (c *Capsule) Export(ctx context.Context) (*Manifest, error) {
	m := &Manifest{
		Path:     c.path,
		Entities: map[string][]types.Entity{},
	}

	refs, err := c.meta.Pages(ctx)
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	for _, ref := range refs {
		rec, err := c.meta.Get(ctx, ref.GID)
		if err != nil {
			return nil, err
		}
		m.Pages = append(m.Pages, rec)

		ents, err := c.meta.Entities(ctx, ref.GID)
		if err != nil {
			return nil, err
		}
		if len(ents) > 0 {
			m.Entities[ref.GID] = ents
		}

		edges, err := c.graph.Edges(ctx, ref.GID)
		if err != nil {
			return nil, err
		}
		for _, e := range edges {
			key := e.From + "\x00" + e.To + "\x00" + e.Predicate
			if seen[key] {
				continue
			}
			seen[key] = true
			m.Edges = append(m.Edges, e)
		}
	}

	head, err := c.ledger.Head(ctx)
	switch {
	case err == nil:
		m.Head = &head
	case errors.Is(err, types.ErrNotFound):
	default:
		return nil, err
	}

	cp, err := c.ledger.LatestCheckpoint(ctx)
	switch {
	case err == nil:
		m.Checkpoint = &cp
	case errors.Is(err, types.ErrNotFound):
	default:
		return nil, err
	}

	return m, nil
}

// ExportYAML writes the manifest as YAML.
func (c *Capsule) ExportYAML(ctx context.Context, w io.Writer) error {
	m, err := c.Export(ctx)
	if err != nil {
		return err
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(m); err != nil {
		return fmt.Errorf("encoding manifest: %w", err)
	}
	return enc.Close()
}

// ExportJSON writes the manifest as indented JSON.
func (c *Capsule) ExportJSON(ctx context.Context, w io.Writer) error {
	m, err := c.Export(ctx)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding manifest: %w", err)
	}
	_, err = w.Write(append(data, '\n'))
	return err
}
