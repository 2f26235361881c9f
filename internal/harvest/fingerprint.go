package harvest

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
)

// Fingerprint digests the content of an item so re-ingestion can tell
// unchanged items from edited ones. Tag order does not matter.
func Fingerprint(h Hasher, item Item) (string, error) {
	normalized := item
	normalized.Title = strings.TrimSpace(item.Title)
	normalized.Description = strings.TrimSpace(item.Description)
	normalized.Tags = slices.Clone(item.Tags)
	slices.Sort(normalized.Tags)
	normalized.Tags = slices.Compact(normalized.Tags)
	data, err := json.Marshal(normalized)
	if err != nil {
		return "", fmt.Errorf("marshal item: %w", err)
	}
	return h.Hash(data)
}

// FieldsFromItem builds the block payload for an item whose media has
// been stored under mediaKey (and posterKey for videos).
func FieldsFromItem(item Item, mediaKey, posterKey, fingerprint string) BlockFields {
	return BlockFields{
		Title:             strings.TrimSpace(item.Title),
		Description:       strings.TrimSpace(item.Description),
		Tags:              item.Tags,
		MediaType:         item.MediaType,
		MediaKey:          mediaKey,
		VideoPosterKey:    posterKey,
		URL:               item.PageURL,
		SourceOriginalURL: item.OriginalURL,
		OGTitle:           item.OGTitle,
		OGDescription:     item.OGDescription,
		OGImageURL:        item.OGImageURL,
		OGURL:             item.OGURL,
		Fingerprint:       fingerprint,
	}
}
