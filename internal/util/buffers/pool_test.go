package buffers

import "testing"

func TestChunkBufferRoundTrip(t *testing.T) {
	buf := GetChunkBuffer()
	if len(*buf) != ChunkSize {
		t.Fatalf("len = %d, want %d", len(*buf), ChunkSize)
	}
	PutChunkBuffer(buf)

	buf2 := GetChunkBuffer()
	if len(*buf2) != ChunkSize {
		t.Fatalf("len = %d, want %d", len(*buf2), ChunkSize)
	}
	PutChunkBuffer(buf2)
}

func TestPutChunkBufferIgnoresWrongSize(t *testing.T) {
	wrong := make([]byte, 16)
	PutChunkBuffer(&wrong) // must not panic or pollute the pool
}
