package stream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const (
	defaultChunkSize = 4096
	maxErrorBodySize = 4096
)

// Transport opens the backend's event stream for one send.
type Transport interface {
	// Open sends body to endpoint and returns the response stream. token is attached as a bearer token when it
	// is not empty. Cancelling ctx aborts the request and every read of the returned stream.
	Open(ctx context.Context, endpoint string, body []byte, token string) (ChunkReader, error)
}

// ChunkReader is the pull side of an open stream.
type ChunkReader interface {
	// ReadChunk returns the next bytes of the stream. The returned slice is only valid until the next call. It
	// returns io.EOF at the end of the stream and ErrAborted once the stream's context was cancelled.
	ReadChunk() ([]byte, error)
	// Close releases the underlying connection. It is safe to call more than once.
	Close() error
}

// HTTPTransport is a Transport over net/http.
type HTTPTransport struct {
	client    *http.Client
	chunkSize int
}

// NewHTTPTransport creates an HTTPTransport. A nil client means a dedicated client without a timeout: a stream may
// legitimately stay open for as long as the backend keeps generating, so deadlines belong to the caller's context.
func NewHTTPTransport(client *http.Client) HTTPTransport {
	if client == nil {
		client = &http.Client{}
	}
	return HTTPTransport{
		client:    client,
		chunkSize: defaultChunkSize,
	}
}

// Open implements Transport.
func (t HTTPTransport) Open(ctx context.Context, endpoint string, body []byte, token string) (ChunkReader, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ErrAborted
		}
		return nil, &TransportError{Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		return nil, &TransportError{
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(excerpt)),
		}
	}

	size := t.chunkSize
	if size <= 0 {
		size = defaultChunkSize
	}

	return &httpBody{
		ctx: ctx,
		rc:  resp.Body,
		buf: make([]byte, size),
	}, nil
}

type httpBody struct {
	ctx    context.Context
	rc     io.ReadCloser
	buf    []byte
	err    error
	closed bool
}

func (b *httpBody) ReadChunk() ([]byte, error) {
	if b.ctx.Err() != nil {
		_ = b.Close()
		return nil, ErrAborted
	}
	if b.err != nil {
		return nil, b.err
	}

	n, err := b.rc.Read(b.buf)
	if err != nil {
		b.err = b.classify(err)
	}
	if n > 0 {
		return b.buf[:n], nil
	}
	if b.err == ErrAborted {
		_ = b.Close()
	}
	return nil, b.err
}

func (b *httpBody) classify(err error) error {
	switch {
	case b.ctx.Err() != nil, errors.Is(err, context.Canceled):
		return ErrAborted
	case errors.Is(err, io.EOF):
		return io.EOF
	default:
		return &TransportError{Err: err}
	}
}

func (b *httpBody) Close() error {
	if b.closed {
		return nil
	}
	b.closed = true
	return b.rc.Close()
}
