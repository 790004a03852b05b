// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package types

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// PageGID builds the globally unique identifier for a page item:
// "{doc_id}#p{page_no}". Gids are immutable once created; content changes
// supersede, never edit in place. Per prd002-metadata-index R1.1.
func PageGID(docID string, pageNo int) string {
	return fmt.Sprintf("%s#p%d", docID, pageNo)
}

// ParsePageGID splits a page gid back into its document id and page
// number. Gids that do not follow the "{doc_id}#p{page_no}" form return
// an error.
func ParsePageGID(gid string) (string, int, error) {
	i := strings.LastIndex(gid, "#p")
	if i <= 0 {
		return "", 0, fmt.Errorf("malformed gid %q", gid)
	}
	pageNo, err := strconv.Atoi(gid[i+2:])
	if err != nil {
		return "", 0, fmt.Errorf("malformed gid %q: %w", gid, err)
	}
	return gid[:i], pageNo, nil
}

// ArchiveEntry is one canonical file in the capsule's sqlar archive.
// Bytes are the source of truth; every accelerator is derivable from them.
// Per prd001-archive R1.
type ArchiveEntry struct {
	// Path is the archive key (e.g. "glyphs/page_0001.mgx.txt").
	Path string `json:"path" yaml:"path"`

	// Mode is the POSIX file mode recorded at import time.
	Mode int64 `json:"mode" yaml:"mode"`

	// MTime is the recorded modification time in unix seconds, matching
	// the sqlar mtime column.
	MTime int64 `json:"mtime" yaml:"mtime"`

	// Size is len(Data) in bytes.
	Size int64 `json:"size" yaml:"size"`

	// Data is the canonical content, addressed by its SHA-256.
	Data []byte `json:"-" yaml:"-"`
}

// MetadataRecord is the per-item structured metadata row, derived from
// archive content at ingestion and rebuildable from it.
// Per prd002-metadata-index R1.
type MetadataRecord struct {
	// GID identifies the item.
	GID string `json:"gid" yaml:"gid"`

	// DocID is the owning document identifier.
	DocID string `json:"doc_id" yaml:"doc_id"`

	// PageNo is the 1-based page number within the document.
	PageNo int `json:"page_no" yaml:"page_no"`

	// Title is the page title.
	Title string `json:"title" yaml:"title"`

	// Tags are space-separated topic labels indexed for keyword search.
	Tags []string `json:"tags" yaml:"tags"`

	// Entities lists the surface texts of extracted entities.
	Entities []string `json:"entities" yaml:"entities"`

	// FullText is the canonical page text (mirrors the .txt archive entry).
	FullText string `json:"full_text" yaml:"full_text"`

	// UpdatedTS records when the row was last written.
	UpdatedTS time.Time `json:"updated_ts" yaml:"updated_ts"`
}

// Entity is one normalized entity occurrence on an item, unique per
// (gid, entity_type, entity_text). Per prd002-metadata-index R2.
type Entity struct {
	// GID identifies the item the entity appears on.
	GID string `json:"gid" yaml:"gid"`

	// Type categorizes the entity (e.g. "TECH", "PERCENT", "ORG").
	Type string `json:"entity_type" yaml:"entity_type"`

	// Text is the surface form as it appears in the page text.
	Text string `json:"entity_text" yaml:"entity_text"`

	// Normalized is the canonical value used for entity-match boosting.
	Normalized string `json:"normalized_value" yaml:"normalized_value"`

	// Confidence is the extraction certainty in [0,1].
	Confidence float64 `json:"confidence" yaml:"confidence"`

	// StartOffset and EndOffset delimit the occurrence in the page text.
	StartOffset int `json:"start_offset" yaml:"start_offset"`
	EndOffset   int `json:"end_offset" yaml:"end_offset"`
}

// VectorMeta governs whether a cached vector is trustworthy. A vector is
// stale when Recompute is set or ContentSHA no longer matches the current
// page text; stale vectors are regenerated on demand, never served.
// Per prd003-vector-cache R2.
type VectorMeta struct {
	// GID identifies the embedded item.
	GID string `json:"gid" yaml:"gid"`

	// ModelID identifies the embedding model (e.g. "gte-small-384").
	// Multiple models may coexist per gid.
	ModelID string `json:"model_id" yaml:"model_id"`

	// Scope is "page" or "region".
	Scope string `json:"scope" yaml:"scope"`

	// Dim is the vector dimensionality.
	Dim int `json:"dim" yaml:"dim"`

	// Quant is the storage quantization ("float32").
	Quant string `json:"quant" yaml:"quant"`

	// ContentSHA is the SHA-256 of the text the vector was computed from.
	ContentSHA string `json:"content_sha" yaml:"content_sha"`

	// Recompute marks the vector for lazy regeneration.
	Recompute bool `json:"recompute" yaml:"recompute"`

	// UpdatedUTC records when the row was last written.
	UpdatedUTC time.Time `json:"updated_utc" yaml:"updated_utc"`
}

// Edge is a directed, weighted, typed relation between two items, unique
// per (from, to, predicate). Per prd004-graph-index R1.
type Edge struct {
	// From and To are item gids.
	From string `json:"from" yaml:"from"`
	To   string `json:"to" yaml:"to"`

	// Predicate names the relation (e.g. "cites", "part_of", "caption_of").
	Predicate string `json:"predicate" yaml:"predicate"`

	// Weight is the relation confidence in [0,1].
	Weight float64 `json:"weight" yaml:"weight"`

	// Timestamp records when the edge was asserted.
	Timestamp time.Time `json:"timestamp" yaml:"timestamp"`

	// Evidence is free-form provenance for the relation.
	Evidence string `json:"evidence,omitempty" yaml:"evidence,omitempty"`
}

// NeighborHint is a denormalized neighbor cache row, reconstructible from
// edges and vector similarity. Per prd004-graph-index R3.
type NeighborHint struct {
	// GID is the item the hint belongs to.
	GID string `json:"gid" yaml:"gid"`

	// Neighbor is the related item.
	Neighbor string `json:"neighbor" yaml:"neighbor"`

	// Score orders hints descending.
	Score float64 `json:"score" yaml:"score"`

	// Reason records how the hint was derived (e.g. "graph-cites").
	Reason string `json:"reason" yaml:"reason"`
}

// PageRef is one row of the pages view: the (doc_id, page_no, gid) listing.
type PageRef struct {
	DocID  string `json:"doc_id" yaml:"doc_id"`
	PageNo int    `json:"page_no" yaml:"page_no"`
	GID    string `json:"gid" yaml:"gid"`
}

// EntityTypeSummary is one row of the entity_summary view.
type EntityTypeSummary struct {
	// Type is the entity type being summarized.
	Type string `json:"entity_type" yaml:"entity_type"`

	// UniqueEntities counts distinct surface texts of this type.
	UniqueEntities int `json:"unique_entities" yaml:"unique_entities"`

	// PagesWithEntity counts distinct gids carrying this type.
	PagesWithEntity int `json:"pages_with_entity" yaml:"pages_with_entity"`
}
