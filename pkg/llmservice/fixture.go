package llmservice

import (
	"context"
	"sync"
)

// Fixture is a deterministic LLMService test double that returns
// pre-recorded chunks. Each call to Stream consumes the next queued
// Response in FIFO order; GenerateObject consumes the next queued object.
type Fixture struct {
	mu        sync.Mutex
	responses []Response
	objects   []map[string]any
	calls     []StreamCall
}

// Response is one pre-recorded reply: a sequence of chunks a test wants
// the RAL to observe for a single Stream call.
type Response struct {
	Chunks []Chunk
}

// StreamCall records one Stream invocation's inputs, for assertions about
// exactly what the PromptComposer sent.
type StreamCall struct {
	Messages []Message
	Tools    []ToolSpec
	Options  StreamOptions
}

// NewFixture creates an empty fixture; use Enqueue to script responses.
func NewFixture() *Fixture {
	return &Fixture{}
}

// Enqueue appends a scripted response for the next Stream call.
func (f *Fixture) Enqueue(chunks ...Chunk) *Fixture {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses = append(f.responses, Response{Chunks: chunks})
	return f
}

// EnqueueText is a convenience for the common "stream this text then
// finish" response shape.
func (f *Fixture) EnqueueText(text string) *Fixture {
	return f.Enqueue(Chunk{Kind: ChunkToken, Token: text}, Chunk{Kind: ChunkFinish})
}

// EnqueueToolCall scripts a single tool-call chunk followed by finish.
func (f *Fixture) EnqueueToolCall(id, name string, args map[string]any) *Fixture {
	return f.Enqueue(
		Chunk{Kind: ChunkToolCall, ToolCall: &ToolCall{ID: id, Name: name, Arguments: args}},
		Chunk{Kind: ChunkFinish},
	)
}

// EnqueueObject scripts the next GenerateObject call's return value.
func (f *Fixture) EnqueueObject(obj map[string]any) *Fixture {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects = append(f.objects, obj)
	return f
}

// Calls returns every Stream invocation observed so far, in order.
func (f *Fixture) Calls() []StreamCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]StreamCall, len(f.calls))
	copy(out, f.calls)
	return out
}

// Stream implements LLMService by draining the next scripted Response into
// a channel. If no response is queued, it immediately emits ChunkFinish
// (an "empty completion" edge case).
func (f *Fixture) Stream(ctx context.Context, messages []Message, tools []ToolSpec, opts StreamOptions) (<-chan Chunk, error) {
	f.mu.Lock()
	f.calls = append(f.calls, StreamCall{Messages: messages, Tools: tools, Options: opts})
	var resp Response
	if len(f.responses) > 0 {
		resp = f.responses[0]
		f.responses = f.responses[1:]
	} else {
		resp = Response{Chunks: []Chunk{{Kind: ChunkFinish}}}
	}
	f.mu.Unlock()

	ch := make(chan Chunk, len(resp.Chunks))
	for _, c := range resp.Chunks {
		ch <- c
	}
	close(ch)
	return ch, nil
}

// GenerateObject implements LLMService by draining the next scripted
// object, or an empty object if none queued.
func (f *Fixture) GenerateObject(ctx context.Context, messages []Message, schema map[string]any) (map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.objects) == 0 {
		return map[string]any{}, nil
	}
	obj := f.objects[0]
	f.objects = f.objects[1:]
	return obj, nil
}
