package protocol

// ChunkBytes splits data into consecutive chunks of size bytes; the last
// chunk holds the remainder. The chunks alias data. Returns nil for empty
// data or a non-positive size.
func ChunkBytes(data []byte, size int) [][]byte {
	if len(data) == 0 || size <= 0 {
		return nil
	}
	chunks := make([][]byte, 0, ChunkCount(len(data), size))
	for len(data) > size {
		chunks = append(chunks, data[:size:size])
		data = data[size:]
	}
	return append(chunks, data)
}

// ChunkString splits s into pieces of at most size bytes. Callers use it for
// ASCII text (Base64, PowerShell lines), where bytes and characters agree.
func ChunkString(s string, size int) []string {
	if len(s) == 0 || size <= 0 {
		return nil
	}
	chunks := make([]string, 0, ChunkCount(len(s), size))
	for len(s) > size {
		chunks = append(chunks, s[:size])
		s = s[size:]
	}
	return append(chunks, s)
}

// ChunkCount returns ceil(n/size), the number of chunks ChunkBytes produces.
func ChunkCount(n, size int) int {
	if n <= 0 || size <= 0 {
		return 0
	}
	return (n + size - 1) / size
}
