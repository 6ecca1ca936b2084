package mcpgateway

import (
	"encoding/json"
	"maps"
	"sort"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

const (
	metaKeyTenant     = "mcpgateway.tenant"
	metaKeyServerID   = "mcpgateway.server_id"
	metaKeyNativeName = "mcpgateway.native_name"
)

// toolIndex tracks the tools exposed for one tenant.
type toolIndex struct {
	ns     NamespaceStrategy
	tenant string

	mu          sync.RWMutex
	tools       map[string]toolTarget
	serverTools map[string][]string
}

type toolTarget struct {
	ExposedName string
	Server      string
	NativeName  string
}

type toolRegistration struct {
	Tool   *mcp.Tool
	Target toolTarget
}

func newToolIndex(ns NamespaceStrategy, tenant string) *toolIndex {
	return &toolIndex{
		ns:          ns,
		tenant:      tenant,
		tools:       make(map[string]toolTarget),
		serverTools: make(map[string][]string),
	}
}

// Replace swaps the whole index for the given per-server tool lists. It
// returns the exposed names that disappeared and a registration for every
// tool now exposed, in name order.
func (f *toolIndex) Replace(byServer map[string][]*mcp.Tool) (removed []string, added []toolRegistration) {
	f.mu.Lock()
	defer f.mu.Unlock()

	previous := f.tools
	f.tools = make(map[string]toolTarget)
	f.serverTools = make(map[string][]string, len(byServer))
	for server, upstream := range byServer {
		names := make([]string, 0, len(upstream))
		for _, tool := range upstream {
			if tool == nil || tool.Name == "" {
				continue
			}
			exposed := f.ns.ToolName(server, tool.Name)
			target := toolTarget{ExposedName: exposed, Server: server, NativeName: tool.Name}
			f.tools[exposed] = target
			added = append(added, toolRegistration{Tool: f.cloneTool(tool, target), Target: target})
			names = append(names, exposed)
		}
		f.serverTools[server] = names
	}
	for name := range previous {
		if _, ok := f.tools[name]; !ok {
			removed = append(removed, name)
		}
	}
	sort.Strings(removed)
	sort.Slice(added, func(i, j int) bool { return added[i].Target.ExposedName < added[j].Target.ExposedName })
	return removed, added
}

// RemoveServer forgets one server's tools and returns their exposed names.
func (f *toolIndex) RemoveServer(server string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := f.serverTools[server]
	for _, name := range names {
		delete(f.tools, name)
	}
	delete(f.serverTools, server)
	return names
}

func (f *toolIndex) ToolTarget(name string) (toolTarget, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	t, ok := f.tools[name]
	return t, ok
}

func (f *toolIndex) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.tools)
}

func (f *toolIndex) cloneTool(tool *mcp.Tool, target toolTarget) *mcp.Tool {
	clone := *tool
	clone.Name = target.ExposedName
	clone.InputSchema = objectSchema(tool.InputSchema)
	if tool.OutputSchema != nil && !isObjectSchema(tool.OutputSchema) {
		clone.OutputSchema = nil
	}
	clone.Meta = withMeta(tool.Meta, map[string]any{
		metaKeyTenant:     f.tenant,
		metaKeyServerID:   target.Server,
		metaKeyNativeName: target.NativeName,
	})
	return &clone
}

// objectSchema returns schema when it describes a JSON object and an empty
// object schema otherwise. mcp.Server.AddTool refuses anything else.
func objectSchema(schema any) any {
	if isObjectSchema(schema) {
		return schema
	}
	return map[string]any{"type": "object"}
}

func isObjectSchema(schema any) bool {
	if schema == nil {
		return false
	}
	m, ok := schema.(map[string]any)
	if !ok {
		data, err := json.Marshal(schema)
		if err != nil || json.Unmarshal(data, &m) != nil {
			return false
		}
	}
	return m["type"] == "object"
}

func withMeta(base map[string]any, extras map[string]any) map[string]any {
	out := maps.Clone(base)
	if out == nil {
		out = make(map[string]any)
	}
	maps.Copy(out, extras)
	return out
}
