package agent

import (
	"io"
	"net"
	"sync"

	"frpc/client/internal/transport"
)

var relayBufPool = sync.Pool{New: func() any {
	b := make([]byte, transport.PayloadChunkSize)
	return &b
}}

// writerOnly and readerOnly hide ReaderFrom/WriterTo so every copy goes
// through the pooled buffer and each stream write is at most one chunk.
type writerOnly struct{ io.Writer }
type readerOnly struct{ io.Reader }

func copyChunked(dst io.Writer, src io.Reader) (int64, error) {
	bp := relayBufPool.Get().(*[]byte)
	defer relayBufPool.Put(bp)
	return io.CopyBuffer(writerOnly{dst}, readerOnly{src}, *bp)
}

// Relay copies stream to backend and backend to stream. The first
// direction to end closes both connections, which stops the other one;
// pending data in the other direction is dropped.
func Relay(stream, backend net.Conn) (toLocal, toServer int64) {
	var once sync.Once
	closeBoth := func() {
		_ = stream.Close()
		_ = backend.Close()
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		toLocal, _ = copyChunked(backend, stream)
		once.Do(closeBoth)
	}()
	go func() {
		defer wg.Done()
		toServer, _ = copyChunked(stream, backend)
		once.Do(closeBoth)
	}()
	wg.Wait()
	return toLocal, toServer
}
