// Package mcpstream implements a streaming HTTP transport and dispatcher
// for the Model Context Protocol (MCP): a single-socket HTTP/1.1 Exchange
// abstraction, JSON-RPC 2.0 request routing with per-request timeouts and
// cancellation, session management with replayable SSE event streams, and a
// tool registry supporting both cooperative and fork-based execution
// timeouts.
//
// A minimal server looks like:
//
//	srv := mcpstream.NewServer(mcpstream.Info{Name: "example", Version: "1.0.0"}, mcpstream.ServerConfig{})
//	srv.Tools().RegisterTool(myTool)
//	log.Fatal(srv.Serve())
package mcpstream
