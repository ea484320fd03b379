package httptool

import (
	"context"
	"sync"
)

// MockTool is a scripted Tool for exercising a compute function's dispatch
// path without making a real call. Responses are consumed in order; once
// exhausted, the last one repeats.
type MockTool struct {
	ToolName  string
	Responses []map[string]interface{}
	Err       error

	Calls []MockToolCall

	mu        sync.Mutex
	callIndex int
}

// MockToolCall records one Call invocation's input.
type MockToolCall struct {
	Input map[string]interface{}
}

func (m *MockTool) Name() string {
	return m.ToolName
}

func (m *MockTool) Call(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.Calls = append(m.Calls, MockToolCall{Input: input})

	if m.Err != nil {
		return nil, m.Err
	}
	if len(m.Responses) == 0 {
		return map[string]interface{}{}, nil
	}

	idx := m.callIndex
	if idx >= len(m.Responses) {
		idx = len(m.Responses) - 1
	} else {
		m.callIndex++
	}
	return m.Responses[idx], nil
}

// Reset clears call history and rewinds the response cursor.
func (m *MockTool) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Calls = nil
	m.callIndex = 0
}

// CallCount reports how many times Call has run.
func (m *MockTool) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.Calls)
}
