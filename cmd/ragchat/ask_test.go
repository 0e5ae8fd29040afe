package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/MegaGrindStone/rag-web-ui/internal/conversation"
	"github.com/MegaGrindStone/rag-web-ui/internal/services"
	"github.com/MegaGrindStone/rag-web-ui/internal/stream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAskConversation(t *testing.T, body string, status int) *conversation.Reconciler {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chats/c1/messages/stream" {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctrl := stream.NewController(stream.NewHTTPTransport(srv.Client()), services.StaticToken("t"), srv.URL,
		stream.DefaultStreamPath, logger)
	return conversation.NewReconciler(conversation.NewViewModel("c1", nil), ctrl, "alice", logger)
}

func TestAsk(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		status     int
		wantOut    string
		wantErrOut string
		wantErr    string
	}{
		{
			name: "Answer with citations",
			body: `data: {"type":"status","content":"Searching"}
data: {"type":"token","content":"Laptops are "}
data: {"type":"token","content":"issued on day one."}
data: {"type":"citations","content":[{"chunk_id":"c","document_id":"d","filename":"onboarding.pdf","page":2}]}
data: {"type":"user_message","content":{"id":"u1","chat_id":"c1","content":"q","role":"user"}}
data: {"type":"ai_message","content":{"id":"a1","chat_id":"c1","content":"Laptops are issued on day one.","role":"assistant"}}
data: {"type":"done","content":null}
`,
			status:     http.StatusOK,
			wantOut:    "Laptops are issued on day one.\n[1] onboarding.pdf, p. 2\n",
			wantErrOut: "[Searching]\n",
		},
		{
			name: "Blocked answer",
			body: `data: {"type":"token","content":"Some "}
data: {"type":"guardrail_blocked","content":"Policy violation"}
data: {"type":"user_message","content":{"id":"u1","chat_id":"c1","content":"q","role":"user"}}
data: {"type":"ai_message","content":{"id":"a1","chat_id":"c1","content":"Some text","role":"assistant"}}
data: {"type":"done","content":null}
`,
			status:     http.StatusOK,
			wantOut:    "Some \nPolicy violation\n",
			wantErrOut: "[blocked]\nblocked: Policy violation\n",
		},
		{
			name:    "Server error",
			body:    "data: {\"type\":\"error\",\"content\":\"index unavailable\"}\n",
			status:  http.StatusOK,
			wantErr: "index unavailable",
		},
		{
			name:    "Rejected",
			body:    "expired",
			status:  http.StatusUnauthorized,
			wantErr: "Please log in again",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conv := newAskConversation(t, tt.body, tt.status)

			var out, errOut bytes.Buffer
			err := ask(context.Background(), conv, "q", &out, &errOut)
			if tt.wantErr != "" {
				assert.ErrorContains(t, err, tt.wantErr)
				assert.Empty(t, conv.View().Messages())
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantOut, out.String())
			assert.Equal(t, tt.wantErrOut, errOut.String())
			assert.Len(t, conv.View().Messages(), 2)
		})
	}
}

func TestAskCancelled(t *testing.T) {
	conv := newAskConversation(t, "", http.StatusOK)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var out, errOut bytes.Buffer
	require.NoError(t, ask(ctx, conv, "q", &out, &errOut))
	assert.Equal(t, "cancelled\n", errOut.String())
	assert.Empty(t, out.String())
	assert.Empty(t, conv.View().Messages())
}
