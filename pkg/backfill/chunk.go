package backfill

// ChunkList splits items into ceil(len(items)/chunkSize) ordered chunks.
// All chunks except possibly the last have exactly chunkSize items and
// input order is preserved. Chunks share the backing array of items.
func ChunkList[T any](items []T, chunkSize int) [][]T {
	if chunkSize <= 0 || len(items) == 0 {
		return nil
	}
	chunks := make([][]T, 0, (len(items)+chunkSize-1)/chunkSize)
	for start := 0; start < len(items); start += chunkSize {
		end := start + chunkSize
		if end > len(items) {
			end = len(items)
		}
		chunks = append(chunks, items[start:end])
	}
	return chunks
}
