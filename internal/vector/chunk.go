package vector

import (
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"
)

// DefaultChunkSize is the target chunk length in runes.
const DefaultChunkSize = 1024

// chunkNamespace seeds deterministic chunk ids.
var chunkNamespace = uuid.MustParse("6f1c1f1e-3c2b-4d53-9a57-5e0c3b8f2a10")

// Chunk is one indexed piece of a resource.
type Chunk struct {
	ChunkID     string `json:"chunk_id"`
	NamespaceID string `json:"namespace_id"`
	ResourceID  string `json:"resource_id"`
	Title       string `json:"title,omitempty"`
	Index       int    `json:"chunk_index"`
	Text        string `json:"text"`
}

// ChunkID returns the stable id of chunk i of a resource, so re-indexing the
// same resource overwrites rather than duplicates.
func ChunkID(namespaceID, resourceID string, i int) string {
	return uuid.NewSHA1(chunkNamespace, []byte(namespaceID+"\x00"+resourceID+"\x00"+strconv.Itoa(i))).String()
}

// Split cuts text into pieces of at most size runes, breaking at the last
// whitespace inside the window when there is one. Empty pieces are dropped.
func Split(text string, size int) []string {
	if size <= 0 {
		size = DefaultChunkSize
	}
	text = strings.TrimSpace(text)
	var out []string
	for text != "" {
		if utf8.RuneCountInString(text) <= size {
			out = append(out, text)
			break
		}
		cut := byteOffset(text, size)
		next, _ := utf8.DecodeRuneInString(text[cut:])
		if !unicode.IsSpace(next) {
			if ws := strings.LastIndexFunc(text[:cut], unicode.IsSpace); ws > 0 {
				cut = ws
			}
		}
		if piece := strings.TrimSpace(text[:cut]); piece != "" {
			out = append(out, piece)
		}
		text = strings.TrimSpace(text[cut:])
	}
	return out
}

// byteOffset returns the byte index just after the n-th rune of s.
func byteOffset(s string, n int) int {
	i := 0
	for pos := range s {
		if i == n {
			return pos
		}
		i++
	}
	return len(s)
}

// BuildChunks splits text and labels each piece for the index.
func BuildChunks(namespaceID, resourceID, title, text string, size int) []Chunk {
	pieces := Split(text, size)
	chunks := make([]Chunk, len(pieces))
	for i, p := range pieces {
		chunks[i] = Chunk{
			ChunkID:     ChunkID(namespaceID, resourceID, i),
			NamespaceID: namespaceID,
			ResourceID:  resourceID,
			Title:       title,
			Index:       i,
			Text:        p,
		}
	}
	return chunks
}
