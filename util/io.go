package util

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
)

// writeCloser is satisfied by *net.TCPConn and ssh.Channel, both of
// which support closing the written side independently of the read
// side.
type writeCloser interface {
	CloseWrite() error
}

// Pump copies bytes in both directions between two streams (typically
// a local client connection and an SSH channel) until one side reaches
// EOF, a hard error occurs, or the context is cancelled.  The payload
// is passed through unmodified.
//
// Pump closes both streams before returning and reports the number of
// bytes moved in each direction.
func Pump(ctx context.Context, a, b io.ReadWriteCloser) (aToB, bToA int64, err error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errCh := make(chan error, 2)

	wg.Add(2)

	go func() {
		defer wg.Done()
		n, cerr := copyBuffered(b, a)
		aToB = n
		// Half-close b so the far side sees EOF but can still drain
		// its remaining data toward us.
		halfClose(b)
		errCh <- cerr
		if cerr != nil {
			cancel()
		}
	}()

	go func() {
		defer wg.Done()
		n, cerr := copyBuffered(a, b)
		bToA = n
		halfClose(a)
		errCh <- cerr
		cancel()
	}()

	<-ctx.Done()
	a.Close()
	b.Close()
	wg.Wait()
	close(errCh)

	for cerr := range errCh {
		if cerr != nil && !IsHarmless(cerr) {
			return aToB, bToA, cerr
		}
	}
	return aToB, bToA, nil
}

// copyBuffered is io.Copy with a pooled relay buffer.
func copyBuffered(dst io.Writer, src io.Reader) (int64, error) {
	buf := GetBuf()
	defer PutBuf(buf)
	return io.CopyBuffer(dst, src, *buf)
}

func halfClose(s io.ReadWriteCloser) {
	if wc, ok := s.(writeCloser); ok {
		wc.CloseWrite() //nolint:errcheck
	}
}

// IsHarmless reports whether err is expected during connection
// teardown and should not be surfaced as a relay failure.
func IsHarmless(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return true
	}
	// net.OpError wrapping "use of closed network connection"
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return errors.Is(opErr.Err, net.ErrClosed)
	}
	return false
}
