package server

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"

	"github.com/Muhumuree/code-executor-MCP/internal/mcp"
	"github.com/Muhumuree/code-executor-MCP/internal/toolerr"
)

// StdioServer speaks line-delimited JSON-RPC 2.0 on a reader/writer pair,
// for embedding the orchestrator as a subprocess. One method is exposed:
// "execute" with ExecuteRequest params.
type StdioServer struct {
	server *Server
	in     io.Reader
	out    io.Writer
	logger *slog.Logger

	writeMu sync.Mutex
}

// NewStdio wraps the shared execute path in a stdio front-end.
func NewStdio(server *Server, in io.Reader, out io.Writer, logger *slog.Logger) *StdioServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &StdioServer{
		server: server,
		in:     in,
		out:    out,
		logger: logger.With("component", "stdio"),
	}
}

// Run reads requests until EOF or ctx cancellation. Requests run
// concurrently; responses are serialized onto the writer.
func (s *StdioServer) Run(ctx context.Context) error {
	scanner := bufio.NewScanner(s.in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var wg sync.WaitGroup
	defer wg.Wait()

	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := scanner.Text()
		if line == "" {
			continue
		}

		var req mcp.JSONRPCRequest
		if err := json.Unmarshal([]byte(line), &req); err != nil {
			s.writeError(nil, mcp.ErrCodeParseError, "parse error")
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handle(ctx, &req)
		}()
	}
	return scanner.Err()
}

func (s *StdioServer) handle(ctx context.Context, req *mcp.JSONRPCRequest) {
	if req.Method != "execute" {
		s.writeError(req.ID, mcp.ErrCodeMethodNotFound, "method not found: "+req.Method)
		return
	}

	var params ExecuteRequest
	if err := json.Unmarshal(req.Params, &params); err != nil {
		s.writeError(req.ID, mcp.ErrCodeInvalidParams, "invalid execute params")
		return
	}

	resp, err := s.server.Execute(ctx, &params, "stdio")
	if err != nil {
		code := mcp.ErrCodeInternalError
		if toolerr.KindOf(err) == toolerr.KindValidationFailed {
			code = mcp.ErrCodeInvalidParams
		}
		s.writeError(req.ID, code, toolerr.AsError(err).Message)
		return
	}

	result, err := json.Marshal(resp)
	if err != nil {
		s.writeError(req.ID, mcp.ErrCodeInternalError, "encode response")
		return
	}
	s.write(&mcp.JSONRPCResponse{JSONRPC: "2.0", ID: req.ID, Result: result})
}

func (s *StdioServer) writeError(id any, code int, message string) {
	s.write(&mcp.JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &mcp.JSONRPCError{Code: code, Message: message},
	})
}

// write emits one response line. The mutex keeps concurrent handlers from
// interleaving bytes.
func (s *StdioServer) write(resp *mcp.JSONRPCResponse) {
	data, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("marshal response", "error", err)
		return
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.out.Write(append(data, '\n')); err != nil {
		s.logger.Error("write response", "error", err)
	}
}
