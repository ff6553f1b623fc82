package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"

	"github.com/floegence/sqlagent/internal/ai"
)

const ndjsonContentType = "application/x-ndjson; charset=utf-8"

// streamLine is one NDJSON record: every chunk in order, then exactly one answer or error.
type streamLine struct {
	Type   string     `json:"type"`
	Chunk  *ai.Chunk  `json:"chunk,omitempty"`
	Answer *ai.Answer `json:"answer,omitempty"`
	Error  string     `json:"error,omitempty"`
	Kind   string     `json:"kind,omitempty"`
}

type ndjsonStream struct {
	mu sync.Mutex
	w  io.Writer
	f  http.Flusher
}

func newNDJSONStream(w http.ResponseWriter) *ndjsonStream {
	var f http.Flusher
	if fl, ok := w.(http.Flusher); ok {
		f = fl
	}
	return &ndjsonStream{w: w, f: f}
}

func (s *ndjsonStream) send(v any) error {
	if s == nil || s.w == nil {
		return errors.New("stream not ready")
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	b = append(b, '\n')
	if _, err := s.w.Write(b); err != nil {
		return err
	}
	if s.f != nil {
		s.f.Flush()
	}
	return nil
}

// pipe copies a chunk stream to the client. A write failure means the client went away;
// closing the stream then cancels the turn, which keeps its last checkpoint.
func (s *ndjsonStream) pipe(cs *ai.ChunkStream) error {
	defer cs.Close()
	for cs.Next() {
		c := cs.Chunk()
		if err := s.send(streamLine{Type: "chunk", Chunk: &c}); err != nil {
			return err
		}
	}
	if err := cs.Err(); err != nil {
		return s.send(streamLine{Type: "error", Error: err.Error(), Kind: string(ai.KindOf(err))})
	}
	ans := cs.Answer()
	return s.send(streamLine{Type: "answer", Answer: &ans})
}
