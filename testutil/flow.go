package testutil

import (
	"encoding/json"
)

// FlowBuilder builds configuration documents for tests. The result has the shape
// config.Load accepts: sessions keyed by name and nodes keyed by name.
type FlowBuilder struct {
	sessions map[string]any
	nodes    map[string]any
	extra    map[string]any
}

// NewFlowBuilder creates an empty builder.
func NewFlowBuilder() *FlowBuilder {
	return &FlowBuilder{
		sessions: make(map[string]any),
		nodes:    make(map[string]any),
		extra:    make(map[string]any),
	}
}

// AddSession adds a session entry.
func (fb *FlowBuilder) AddSession(name, locator string) *FlowBuilder {
	fb.sessions[name] = map[string]any{"locator": locator}
	return fb
}

// AddNode adds an enabled node. wires lists target node names per output port.
func (fb *FlowBuilder) AddNode(name, nodeType, session string, config map[string]any, wires ...[]string) *FlowBuilder {
	node := map[string]any{
		"type":    nodeType,
		"session": session,
		"enabled": true,
	}
	if config != nil {
		node["config"] = config
	}
	if len(wires) > 0 {
		node["wires"] = wires
	}
	fb.nodes[name] = node
	return fb
}

// Set adds a top-level section such as "flow" or "http".
func (fb *FlowBuilder) Set(section string, value any) *FlowBuilder {
	fb.extra[section] = value
	return fb
}

// Build returns the document as a map.
func (fb *FlowBuilder) Build() map[string]any {
	doc := map[string]any{
		"version":  "1.0.0",
		"sessions": fb.sessions,
		"nodes":    fb.nodes,
	}
	for k, v := range fb.extra {
		doc[k] = v
	}
	return doc
}

// BuildJSON returns the document as JSON.
func (fb *FlowBuilder) BuildJSON() ([]byte, error) {
	return json.Marshal(fb.Build())
}

// PingPongFlow is the canonical two-node flow: a queryable on demo/ping wired
// to itself, so every query is echoed back as its reply, and a query node
// asking demo/ping. The echo never finalizes, so the query collects replies
// until its 300ms timeout.
func PingPongFlow(locator string) *FlowBuilder {
	return NewFlowBuilder().
		AddSession("local", locator).
		AddNode("responder", "queryable", "local", map[string]any{"key_expr": "demo/ping"}, []string{"responder"}).
		AddNode("asker", "query", "local", map[string]any{"selector": "demo/ping", "timeout": 300, "target": "all"})
}
