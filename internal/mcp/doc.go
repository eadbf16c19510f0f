// Package mcp implements the Model Context Protocol orchestration layer:
// a JSON-RPC 2.0 codec, three transports (subprocess stdio, HTTP+SSE, and
// in-process), a correlating client, a multi-server manager that merges
// tool catalogs, and the server-side pieces (protocol handler and SSE
// session registry) used when mcphost itself is exposed as an MCP server.
//
// Clients never treat a failing tool as a failed call. A tool that errors
// comes back as a successful tools/call result with IsError set, so the
// conversation loop can hand the failure to the model as context. Only
// transport and protocol failures surface as Go errors.
package mcp
