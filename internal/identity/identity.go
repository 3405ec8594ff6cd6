// Package identity derives stable chunk identifiers. Re-ingesting the same
// source yields the same IDs, so writes against the vector store overwrite
// instead of duplicating.
package identity

import (
	"strconv"

	"github.com/google/uuid"
)

// ChunkID returns the deterministic ID for the index-th chunk of a source.
// It is a name-based UUID over "sourceID:index" in the URL namespace.
func ChunkID(sourceID string, index int) string {
	name := sourceID + ":" + strconv.Itoa(index)
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(name)).String()
}

// ChunkIDs returns IDs for n consecutive chunks of a source.
func ChunkIDs(sourceID string, n int) []string {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = ChunkID(sourceID, i)
	}
	return ids
}
