package workspace

// Chunk is one overlapping window of a source file.
type Chunk struct {
	Index int
	Text  string
}

// ChunkText splits text into overlapping windows of size characters with
// the given overlap, rune-safe. The final window may be shorter; empty
// input yields no chunks.
func ChunkText(text string, size, overlap int) []Chunk {
	if size <= 0 {
		size = DefaultChunkSize
	}
	if overlap < 0 || overlap >= size {
		overlap = 0
	}
	runes := []rune(text)
	if len(runes) == 0 {
		return nil
	}

	step := size - overlap
	chunks := make([]Chunk, 0, (len(runes)+step-1)/step)
	for start, idx := 0, 0; start < len(runes); start, idx = start+step, idx+1 {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, Chunk{Index: idx, Text: string(runes[start:end])})
		if end == len(runes) {
			break
		}
	}
	return chunks
}
