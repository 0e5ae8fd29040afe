package stream

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readAll(t *testing.T, rd ChunkReader) (string, error) {
	t.Helper()
	var out []byte
	for {
		chunk, err := rd.ReadChunk()
		out = append(out, chunk...)
		if err != nil {
			return string(out), err
		}
	}
}

func TestHTTPTransportOpen(t *testing.T) {
	tests := []struct {
		name        string
		token       string
		wantAuth    string
		wantBody    string
		respond     func(w http.ResponseWriter)
		wantErr     bool
		wantCode    int
		wantExcerpt string
	}{
		{
			name:     "Streams the body with a bearer token",
			token:    "secret",
			wantAuth: "Bearer secret",
			wantBody: "data: {\"type\":\"done\",\"content\":null}\n",
			respond: func(w http.ResponseWriter) {
				w.Header().Set("Content-Type", "text/event-stream")
				_, _ = io.WriteString(w, "data: {\"type\":\"done\",\"content\":null}\n")
			},
		},
		{
			name:     "No token means no authorization header",
			wantAuth: "",
			wantBody: "data: x\n",
			respond: func(w http.ResponseWriter) {
				_, _ = io.WriteString(w, "data: x\n")
			},
		},
		{
			name:  "Non-success status",
			token: "expired",
			respond: func(w http.ResponseWriter) {
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = io.WriteString(w, "  token expired\n")
			},
			wantErr:     true,
			wantCode:    http.StatusUnauthorized,
			wantExcerpt: "token expired",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			received := make(chan *http.Request, 1)
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				body, _ := io.ReadAll(r.Body)
				r.Body = io.NopCloser(bytes.NewReader(body))
				received <- r
				tt.respond(w)
			}))
			defer srv.Close()

			rd, err := NewHTTPTransport(nil).Open(context.Background(), srv.URL, []byte(`{"content":"hi"}`), tt.token)
			if tt.wantErr {
				var terr *TransportError
				require.True(t, errors.As(err, &terr), "got %v", err)
				assert.Equal(t, tt.wantCode, terr.StatusCode)
				assert.Equal(t, tt.wantExcerpt, terr.Body)
				return
			}
			require.NoError(t, err)
			defer rd.Close()

			body, err := readAll(t, rd)
			assert.ErrorIs(t, err, io.EOF)
			assert.Equal(t, tt.wantBody, body)

			r := <-received
			gotBody, _ := io.ReadAll(r.Body)
			assert.Equal(t, http.MethodPost, r.Method)
			assert.Equal(t, tt.wantAuth, r.Header.Get("Authorization"))
			assert.Equal(t, "text/event-stream", r.Header.Get("Accept"))
			assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
			assert.JSONEq(t, `{"content":"hi"}`, string(gotBody))
		})
	}
}

func TestHTTPTransportUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewHTTPTransport(nil).Open(context.Background(), url, nil, "")

	var terr *TransportError
	require.True(t, errors.As(err, &terr), "got %v", err)
	assert.Zero(t, terr.StatusCode)
	assert.Error(t, terr.Err)
}

func TestHTTPTransportAbort(t *testing.T) {
	released := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "data: {\"type\":\"status\",\"content\":\"Searching\"}\n")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
		close(released)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rd, err := NewHTTPTransport(nil).Open(ctx, srv.URL, nil, "")
	require.NoError(t, err)

	chunk, err := rd.ReadChunk()
	require.NoError(t, err)
	assert.Contains(t, string(chunk), "Searching")

	cancel()

	_, err = rd.ReadChunk()
	assert.ErrorIs(t, err, ErrAborted)
	_, err = rd.ReadChunk()
	assert.ErrorIs(t, err, ErrAborted)
	assert.NoError(t, rd.Close())

	select {
	case <-released:
	case <-time.After(5 * time.Second):
		t.Fatal("server did not observe the aborted request")
	}
}

func TestHTTPTransportCancelledBeforeOpen(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewHTTPTransport(nil).Open(ctx, srv.URL, nil, "")
	assert.ErrorIs(t, err, ErrAborted)
}
