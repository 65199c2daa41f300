package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeServer answers requests written to the client's stdin.
type fakeServer struct {
	t       *testing.T
	in      *io.PipeReader
	out     *io.PipeWriter
	handler func(msg Message) (json.RawMessage, *ErrorResponse, bool)

	mu       sync.Mutex
	received []Message
}

func newFakeServer(t *testing.T, handler func(msg Message) (json.RawMessage, *ErrorResponse, bool)) (*Client, *fakeServer) {
	t.Helper()
	clientIn, serverOut := io.Pipe()
	serverIn, clientOut := io.Pipe()

	srv := &fakeServer{t: t, in: serverIn, out: serverOut, handler: handler}
	go srv.serve()

	client := NewStreamClient("fake", clientIn, clientOut, time.Second)
	t.Cleanup(func() {
		_ = client.Close()
		_ = serverOut.Close()
	})
	return client, srv
}

func (s *fakeServer) serve() {
	scanner := bufio.NewScanner(s.in)
	for scanner.Scan() {
		var msg Message
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			continue
		}
		s.mu.Lock()
		s.received = append(s.received, msg)
		s.mu.Unlock()
		if msg.ID == nil {
			continue
		}
		result, rpcErr, reply := s.handler(msg)
		if !reply {
			continue
		}
		data, _ := json.Marshal(Message{JSONRPC: "2.0", ID: msg.ID, Result: result, Error: rpcErr})
		if _, err := s.out.Write(append(data, '\n')); err != nil {
			return
		}
	}
}

func (s *fakeServer) methods() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.received))
	for _, m := range s.received {
		out = append(out, m.Method)
	}
	return out
}

func TestNewClient_EmptyCommand(t *testing.T) {
	_, err := NewClient(Config{Name: "test"})
	require.Error(t, err)
	assert.Equal(t, "command is required", err.Error())
}

func TestNewClient_MissingBinary(t *testing.T) {
	_, err := NewClient(Config{Name: "test", Command: "planrunner-missing-binary-12345"})
	assert.Error(t, err)
}

func TestClient_InitializeAndListTools(t *testing.T) {
	client, srv := newFakeServer(t, func(msg Message) (json.RawMessage, *ErrorResponse, bool) {
		switch msg.Method {
		case "initialize":
			return json.RawMessage(`{"protocolVersion":"2024-11-05","serverInfo":{"name":"playwright","version":"0.0.30"}}`), nil, true
		case "tools/list":
			return json.RawMessage(`{"tools":[{"name":"browser_navigate","description":"Navigate"}]}`), nil, true
		}
		return nil, &ErrorResponse{Code: -32601, Message: "method not found"}, true
	})
	ctx := context.Background()

	require.NoError(t, client.Initialize(ctx))
	info := client.ServerInfo()
	require.NotNil(t, info)
	assert.Equal(t, "playwright", info.Name)
	assert.Equal(t, "2024-11-05", info.ProtocolVer)

	tools, err := client.ListTools(ctx)
	require.NoError(t, err)
	require.Len(t, tools, 1)
	assert.Equal(t, "browser_navigate", client.Tools()[0].Name)

	assert.Eventually(t, func() bool {
		methods := srv.methods()
		return len(methods) == 3 && methods[1] == "notifications/initialized"
	}, time.Second, 10*time.Millisecond)
}

func TestClient_CallTool(t *testing.T) {
	client, _ := newFakeServer(t, func(msg Message) (json.RawMessage, *ErrorResponse, bool) {
		var params ToolCallParams
		_ = json.Unmarshal(msg.Params, &params)
		switch params.Name {
		case "browser_click":
			return json.RawMessage(`{"content":[{"type":"text","text":"clicked"},{"type":"text","text":"done"}]}`), nil, true
		case "browser_type":
			return json.RawMessage(`{"content":[{"type":"text","text":"ref not found"}],"isError":true}`), nil, true
		}
		return nil, &ErrorResponse{Code: -32602, Message: "unknown tool"}, true
	})
	ctx := context.Background()

	res, err := client.CallTool(ctx, "browser_click", map[string]any{"ref": "e3"})
	require.NoError(t, err)
	assert.Equal(t, "clicked\ndone", res.Text())

	res, err = client.CallTool(ctx, "browser_type", map[string]any{"ref": "e9"})
	require.Error(t, err)
	var toolErr *ToolError
	require.ErrorAs(t, err, &toolErr)
	assert.Equal(t, "ref not found", toolErr.Message)
	assert.True(t, res.IsError)

	_, err = client.CallTool(ctx, "browser_fly", nil)
	var rpcErr *ErrorResponse
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, -32602, rpcErr.Code)
}

func TestClient_CallTimesOut(t *testing.T) {
	client, _ := newFakeServer(t, func(Message) (json.RawMessage, *ErrorResponse, bool) {
		return nil, nil, false
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := client.CallTool(ctx, "browser_snapshot", nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestClient_PendingFailsWhenServerExits(t *testing.T) {
	clientIn, serverOut := io.Pipe()
	serverIn, clientOut := io.Pipe()
	go func() {
		// Consume one request and hang up without answering.
		reader := bufio.NewReader(serverIn)
		_, _ = reader.ReadBytes('\n')
		_ = serverOut.Close()
	}()

	client := NewStreamClient("gone", clientIn, clientOut, time.Second)
	defer client.Close()

	_, err := client.CallTool(context.Background(), "browser_snapshot", nil)
	assert.True(t, errors.Is(err, ErrClosed), "got %v", err)

	_, err = client.CallTool(context.Background(), "browser_snapshot", nil)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestToolCallResult_TextSkipsNonText(t *testing.T) {
	res := &ToolCallResult{Content: []ContentBlock{
		{Type: "image", Data: "aGk=", MimeType: "image/png"},
		{Type: "text", Text: "page title"},
	}}
	assert.Equal(t, "page title", res.Text())

	var nilRes *ToolCallResult
	assert.Empty(t, nilRes.Text())
}
