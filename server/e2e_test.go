package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	goopenai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// newSDKClient builds a stock OpenAI SDK client pointed at the proxy, the way
// a real participant would connect.
func newSDKClient(baseURL string) *goopenai.Client {
	cfg := goopenai.DefaultConfig("test-key")
	cfg.BaseURL = baseURL + "/v1"
	return goopenai.NewClientWithConfig(cfg)
}

func TestE2E_PairedSDKClients(t *testing.T) {
	p := testProfile()
	p.HandshakeTimeout = 5 * time.Second
	p.TurnTimeout = 5 * time.Second
	_, ts := newTestServer(t, p)

	clientA := newSDKClient(ts.URL)
	clientB := newSDKClient(ts.URL)

	var respA, respB goopenai.ChatCompletionResponse
	g, ctx := errgroup.WithContext(context.Background())
	g.Go(func() error {
		var err error
		respA, err = clientA.CreateChatCompletion(ctx, goopenai.ChatCompletionRequest{
			Model: "duet|A",
			Messages: []goopenai.ChatCompletionMessage{
				{Role: goopenai.ChatMessageRoleUser, Content: "hello from A"},
			},
		})
		return err
	})
	g.Go(func() error {
		var err error
		respB, err = clientB.CreateChatCompletion(ctx, goopenai.ChatCompletionRequest{
			Model: "duet|B",
			Messages: []goopenai.ChatCompletionMessage{
				{Role: goopenai.ChatMessageRoleUser, Content: "hello from B"},
			},
		})
		return err
	})
	require.NoError(t, g.Wait())

	require.Len(t, respA.Choices, 1)
	require.Len(t, respB.Choices, 1)
	assert.Equal(t, "hello from B", respA.Choices[0].Message.Content)
	assert.Equal(t, "hello from A", respB.Choices[0].Message.Content)
	assert.Equal(t, "assistant", respA.Choices[0].Message.Role)
}

func TestE2E_SDKClientStreaming(t *testing.T) {
	p := testProfile()
	p.HandshakeTimeout = 5 * time.Second
	p.TurnTimeout = 5 * time.Second
	_, ts := newTestServer(t, p)

	g, ctx := errgroup.WithContext(context.Background())
	g.Go(func() error {
		_, err := newSDKClient(ts.URL).CreateChatCompletion(ctx, goopenai.ChatCompletionRequest{
			Model: "stream-duet|A",
			Messages: []goopenai.ChatCompletionMessage{
				{Role: goopenai.ChatMessageRoleUser, Content: "streamed words here"},
			},
		})
		return err
	})

	var assembled strings.Builder
	g.Go(func() error {
		stream, err := newSDKClient(ts.URL).CreateChatCompletionStream(ctx, goopenai.ChatCompletionRequest{
			Model:  "stream-duet|B",
			Stream: true,
			Messages: []goopenai.ChatCompletionMessage{
				{Role: goopenai.ChatMessageRoleUser, Content: "ack"},
			},
		})
		if err != nil {
			return err
		}
		defer stream.Close()
		for {
			chunk, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				// [DONE] terminates the stream.
				return nil
			}
			if err != nil {
				return err
			}
			if len(chunk.Choices) > 0 {
				assembled.WriteString(chunk.Choices[0].Delta.Content)
			}
		}
	})
	require.NoError(t, g.Wait())
	assert.Equal(t, "streamed words here", assembled.String())
}

func TestE2E_FullTurnSequence(t *testing.T) {
	// Runs the whole conversation flow over real HTTP: handshake, first
	// exchange, and one full follow-up turn, all side-blind.
	p := testProfile()
	p.HandshakeTimeout = 5 * time.Second
	p.TurnTimeout = 5 * time.Second
	_, ts := newTestServer(t, p)

	client := newSDKClient(ts.URL)
	send := func(ctx context.Context, content string) (string, error) {
		resp, err := client.CreateChatCompletion(ctx, goopenai.ChatCompletionRequest{
			Model: "seq",
			Messages: []goopenai.ChatCompletionMessage{
				{Role: goopenai.ChatMessageRoleUser, Content: content},
			},
		})
		if err != nil {
			return "", err
		}
		return resp.Choices[0].Message.Content, nil
	}

	ctx := context.Background()
	aFirst := make(chan string, 1)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		got, err := send(gctx, "ping")
		if err != nil {
			return err
		}
		aFirst <- got
		return nil
	})

	// Give the handshake a moment to suspend before B's opener arrives.
	time.Sleep(100 * time.Millisecond)

	bDone := make(chan string, 1)
	g.Go(func() error {
		got, err := send(gctx, "b-opener")
		if err != nil {
			return err
		}
		bDone <- got
		return nil
	})

	// Request 1 returns B's opener; its own "ping" was never forwarded.
	select {
	case got := <-aFirst:
		assert.Equal(t, "b-opener", got)
	case <-time.After(3 * time.Second):
		t.Fatal("handshake request never completed")
	}

	// A's next turn completes B's suspended request.
	g.Go(func() error {
		_, err := send(gctx, "a-reply")
		return err
	})
	select {
	case got := <-bDone:
		assert.Equal(t, "a-reply", got)
	case <-time.After(3 * time.Second):
		t.Fatal("b request never completed")
	}

	// A's reply is still suspended. One more B turn completes it and then
	// hangs itself; it is aborted by cancellation since in this protocol the
	// last request of a conversation always has nobody left to answer it.
	lastCtx, cancelLast := context.WithCancel(ctx)
	lastErr := make(chan error, 1)
	go func() {
		_, err := send(lastCtx, "b-final")
		lastErr <- err
	}()
	require.NoError(t, g.Wait())
	cancelLast()
	require.Error(t, <-lastErr)
}

func TestE2E_LifecycleAndReaper(t *testing.T) {
	p := testProfile()
	p.Port = 18437
	p.SessionTTL = 200 * time.Millisecond
	p.CleanupInterval = 50 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s, err := NewServer(ctx, p)
	require.NoError(t, err)
	require.NoError(t, s.Start(ctx))
	defer s.Shutdown(context.Background())

	base := fmt.Sprintf("http://%s:%d", p.Addr, p.Port)
	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 3*time.Second, 20*time.Millisecond, "server never became healthy")

	// A lone handshake times out but leaves its session registered.
	resp := postChat(t, http.DefaultClient, base,
		`{"model": "fleeting", "messages": [{"role": "user", "content": "ping"}]}`, nil)
	resp.Body.Close()
	require.Equal(t, http.StatusRequestTimeout, resp.StatusCode)
	require.Equal(t, 1, s.Registry().Count())

	// The reaper evicts it once it exceeds the TTL.
	require.Eventually(t, func() bool {
		return s.Registry().Count() == 0
	}, 3*time.Second, 25*time.Millisecond, "idle session never reaped")
}
