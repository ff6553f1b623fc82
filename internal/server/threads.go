package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/floegence/sqlagent/internal/ai"
)

type policyBody struct {
	Mode           string   `json:"mode"`
	SensitiveTools []string `json:"sensitive_tools"`
}

func (p *policyBody) parse() (*ai.InterruptPolicy, error) {
	if p == nil {
		return nil, nil
	}
	mode, err := ai.ParsePolicyMode(p.Mode)
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return &ai.InterruptPolicy{Mode: mode, SensitiveTools: p.SensitiveTools}, nil
}

type createThreadReq struct {
	ThreadID string      `json:"thread_id"`
	Policy   *policyBody `json:"policy"`
}

type messageReq struct {
	Text            string      `json:"text"`
	Policy          *policyBody `json:"policy"`
	IncludeThinking *bool       `json:"include_thinking"`
	Stream          bool        `json:"stream"`
}

type resumeReq struct {
	Stream bool `json:"stream"`
}

type interruptReq struct {
	ai.Decision
	Stream bool `json:"stream"`
}

// wantsStream reports whether the client asked for NDJSON, by body flag, query or Accept.
func wantsStream(c echo.Context, flag bool) bool {
	if flag {
		return true
	}
	if v, err := strconv.ParseBool(c.QueryParam("stream")); err == nil && v {
		return true
	}
	return strings.Contains(c.Request().Header.Get(echo.HeaderAccept), "application/x-ndjson")
}

// bindOptional decodes a JSON body when one was sent.
func bindOptional(c echo.Context, v any) error {
	if c.Request().ContentLength == 0 {
		return nil
	}
	if err := c.Bind(v); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid json")
	}
	return nil
}

func (s *Server) createThread(c echo.Context) error {
	var req createThreadReq
	if err := bindOptional(c, &req); err != nil {
		return err
	}
	policy, err := req.Policy.parse()
	if err != nil {
		return err
	}
	st, err := s.svc.CreateThread(c.Request().Context(), req.ThreadID, policy)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, apiResp{OK: true, Data: st})
}

func (s *Server) listThreads(c echo.Context) error {
	limit := 0
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid limit")
		}
		limit = n
	}
	list, err := s.svc.ListThreads(c.Request().Context(), limit)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, apiResp{OK: true, Data: map[string]any{"threads": list}})
}

func (s *Server) getThread(c echo.Context) error {
	id := c.Param("id")
	st, err := s.svc.State(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, apiResp{OK: true, Data: map[string]any{
		"state":  st,
		"active": s.svc.HasActiveTurn(id),
	}})
}

func (s *Server) deleteThread(c echo.Context) error {
	if err := s.svc.DeleteThread(c.Request().Context(), c.Param("id")); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, apiResp{OK: true})
}

func (s *Server) listCheckpoints(c echo.Context) error {
	list, err := s.svc.Checkpoints(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, apiResp{OK: true, Data: map[string]any{"checkpoints": list}})
}

func (s *Server) getCheckpoint(c echo.Context) error {
	seq, err := strconv.ParseInt(c.Param("seq"), 10, 64)
	if err != nil || seq < 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid sequence")
	}
	st, err := s.svc.Replay(c.Request().Context(), c.Param("id"), seq)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, apiResp{OK: true, Data: st})
}

func (s *Server) postMessage(c echo.Context) error {
	var req messageReq
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid json")
	}
	if strings.TrimSpace(req.Text) == "" {
		return ai.ErrEmptyMessage
	}
	policy, err := req.Policy.parse()
	if err != nil {
		return err
	}
	opts := ai.SubmitOptions{Policy: policy, IncludeThinking: req.IncludeThinking}
	id := c.Param("id")
	ctx := c.Request().Context()

	if wantsStream(c, req.Stream) {
		cs, err := s.svc.SubmitStream(ctx, id, req.Text, opts)
		if err != nil {
			return err
		}
		return s.streamTurn(c, cs)
	}
	ans, err := s.svc.Submit(ctx, id, req.Text, opts)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, apiResp{OK: true, Data: ans})
}

func (s *Server) resume(c echo.Context) error {
	var req resumeReq
	if err := bindOptional(c, &req); err != nil {
		return err
	}
	id := c.Param("id")
	ctx := c.Request().Context()

	if wantsStream(c, req.Stream) {
		cs, err := s.svc.ResumeStream(ctx, id)
		if err != nil {
			return err
		}
		return s.streamTurn(c, cs)
	}
	ans, err := s.svc.Resume(ctx, id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, apiResp{OK: true, Data: ans})
}

func (s *Server) resolveInterrupt(c echo.Context) error {
	var req interruptReq
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid json")
	}
	switch req.Outcome {
	case ai.ResolutionApproved, ai.ResolutionRejected:
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "outcome must be approved or rejected")
	}
	if strings.TrimSpace(req.ResolvedBy) == "" {
		req.ResolvedBy = "http"
	}
	id := c.Param("id")
	ctx := c.Request().Context()

	if wantsStream(c, req.Stream) {
		cs, err := s.svc.ResolveStream(ctx, id, req.Decision)
		if err != nil {
			return err
		}
		return s.streamTurn(c, cs)
	}
	ans, err := s.svc.Resolve(ctx, id, req.Decision)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, apiResp{OK: true, Data: ans})
}

// streamTurn commits a 200 NDJSON response; failures after that arrive as an error line.
func (s *Server) streamTurn(c echo.Context, cs *ai.ChunkStream) error {
	resp := c.Response()
	resp.Header().Set(echo.HeaderContentType, ndjsonContentType)
	resp.Header().Set("Cache-Control", "no-cache")
	resp.WriteHeader(http.StatusOK)

	if err := newNDJSONStream(resp).pipe(cs); err != nil {
		s.log.Warn("turn stream aborted", "thread_id", c.Param("id"), "error", err)
	}
	return nil
}
