package server

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// request is one line of the stdio protocol.
type request struct {
	ID   any             `json:"id,omitempty"`
	Tool string          `json:"tool"`
	Args json.RawMessage `json:"args,omitempty"`
}

// response mirrors request ids back with either a result or an error.
type response struct {
	ID     any        `json:"id,omitempty"`
	Result any        `json:"result,omitempty"`
	Error  *ToolError `json:"error,omitempty"`
}

// ServeStdio reads newline-delimited JSON requests from r and writes
// one JSON response per line to w. Requests run concurrently so a
// long poll does not block the stream; writes are serialized.
func (s *Server) ServeStdio(ctx context.Context, r io.Reader, w io.Writer) error {
	var writeMu sync.Mutex
	enc := json.NewEncoder(w)
	reply := func(resp *response) {
		writeMu.Lock()
		defer writeMu.Unlock()
		if err := enc.Encode(resp); err != nil {
			s.obs.Log().Warn().Err(err).Msg("failed to write stdio response")
		}
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var wg sync.WaitGroup
	defer wg.Wait()

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var req request
		if err := json.Unmarshal(line, &req); err != nil {
			reply(&response{Error: &ToolError{Kind: "BadArgument", Message: "malformed request: " + err.Error()}})
			continue
		}

		wg.Add(1)
		go func(req request) {
			defer wg.Done()
			result, err := s.Dispatch(ctx, req.Tool, req.Args)
			if err != nil {
				te, ok := err.(*ToolError)
				if !ok {
					te = &ToolError{Kind: "StoreError", Message: err.Error()}
				}
				reply(&response{ID: req.ID, Error: te})
				return
			}
			reply(&response{ID: req.ID, Result: result})
		}(req)

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading tool requests: %w", err)
	}
	return nil
}
