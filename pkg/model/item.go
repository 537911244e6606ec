// Package model holds the records shared by the listing, download and
// packaging stages of a crawl job.
package model

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"
)

// Item is one document discovered in a listing page.
type Item struct {
	// ID is the display identifier, e.g. the invoice number.
	ID string `json:"id"`

	// Identity holds the fields that uniquely identify the document
	// upstream. Key() is derived from it.
	Identity map[string]string `json:"identity"`

	PartitionIndex int    `json:"partition_index"`
	PageNumber     int    `json:"page_number"`
	HasDownload    bool   `json:"has_download"`
	Variant        string `json:"variant,omitempty"`

	// Raw is the listing record as received.
	Raw map[string]any `json:"raw,omitempty"`
}

// keyEscaper keeps the "=" and ":" separators of Key unambiguous.
var keyEscaper = strings.NewReplacer("%", "%25", "=", "%3D", ":", "%3A")

// Key returns the canonical serialized identity: sorted field=value pairs
// joined by ":". Two items with the same key are the same document. Items
// with neither identity nor ID are keyed by a digest of their raw record.
func (i Item) Key() string {
	if len(i.Identity) == 0 {
		if i.ID == "" && len(i.Raw) > 0 {
			if raw, err := json.Marshal(i.Raw); err == nil {
				sum := sha256.Sum256(raw)
				return "raw=" + hex.EncodeToString(sum[:])
			}
		}
		return "id=" + keyEscaper.Replace(i.ID)
	}

	fields := make([]string, 0, len(i.Identity))
	for k := range i.Identity {
		fields = append(fields, k)
	}
	sort.Strings(fields)

	parts := make([]string, 0, len(fields))
	for _, k := range fields {
		parts = append(parts, keyEscaper.Replace(k)+"="+keyEscaper.Replace(i.Identity[k]))
	}
	return strings.Join(parts, ":")
}

// DownloadStatus is the outcome recorded for one item.
type DownloadStatus string

const (
	// StatusSuccess means a validated artifact was persisted.
	StatusSuccess DownloadStatus = "success"

	// StatusFailed means the job was interrupted while the item was in flight.
	StatusFailed DownloadStatus = "failed"

	// StatusSkipped means the item permanently failed or has no artifact.
	StatusSkipped DownloadStatus = "skipped"
)

// ArtifactRef points at a persisted artifact in staging storage.
type ArtifactRef struct {
	Key         string `json:"key"`
	Name        string `json:"name"`
	Size        int64  `json:"size"`
	ContentType string `json:"content_type"`
	SHA256      string `json:"sha256"`
}

// DownloadResult is written exactly once per item.
type DownloadResult struct {
	ItemKey    string         `json:"item_key"`
	ItemID     string         `json:"item_id"`
	Status     DownloadStatus `json:"status"`
	Artifact   *ArtifactRef   `json:"artifact,omitempty"`
	RetryCount int            `json:"retry_count"`
	Reason     string         `json:"reason,omitempty"`
}
