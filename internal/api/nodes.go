package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/VenkatGGG/nodepool/internal/nodeclient"
	"github.com/VenkatGGG/nodepool/internal/pool"
	"github.com/VenkatGGG/nodepool/pkg/httpx"
)

type acquireNodeRequest struct {
	URL string `json:"url"`
}

type selectNodesRequest struct {
	Count  int            `json:"count"`
	Script *scriptRequest `json:"script,omitempty"`
}

type callNodeRequest struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

type scriptRequest struct {
	ID      string   `json:"id"`
	Dynamic bool     `json:"dynamic"`
	Content string   `json:"content,omitempty"`
	Args    []string `json:"args,omitempty"`
}

func (s *Server) handleNodes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httpx.WriteError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}

	var state pool.NodeState
	if raw := strings.TrimSpace(r.URL.Query().Get("state")); raw != "" {
		parsed, err := pool.ParseNodeState(raw)
		if err != nil {
			httpx.WriteError(w, http.StatusBadRequest, "invalid_state", err.Error())
			return
		}
		state = parsed
	}

	alive := nodeInfos(s.nodes.GetAliveNodes(), state)
	down := []pool.NodeInfo{}
	if state == "" || state == pool.NodeStateDown {
		down = nodeInfos(s.nodes.GetDownNodes(), "")
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"source": s.nodes.SourceID(),
		"alive":  alive,
		"down":   down,
	})
}

func (s *Server) handleNodeCounts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httpx.WriteError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, s.nodes.GetCounts())
}

func (s *Server) handleNodeAcquire(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httpx.WriteError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}

	var req acquireNodeRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_json", "request body must be valid JSON")
		return
	}
	if strings.TrimSpace(req.URL) == "" {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_url", "url is required")
		return
	}

	rec, err := s.nodes.AcquireNode(r.Context(), req.URL)
	if err != nil {
		s.writePoolError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, rec.Info())
}

func (s *Server) handleNodeSelect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httpx.WriteError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}

	var req selectNodesRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_json", "request body must be valid JSON")
		return
	}
	if req.Count <= 0 {
		req.Count = 1
	}
	var script *pool.Script
	if req.Script != nil {
		if strings.TrimSpace(req.Script.ID) == "" {
			httpx.WriteError(w, http.StatusBadRequest, "invalid_script", "script id is required")
			return
		}
		script = &pool.Script{
			ID:      strings.TrimSpace(req.Script.ID),
			Dynamic: req.Script.Dynamic,
			Content: req.Script.Content,
			Args:    req.Script.Args,
		}
	}

	selected, err := s.nodes.SelectNodes(r.Context(), req.Count, script)
	if err != nil {
		s.writePoolError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"requested": req.Count,
		"nodes":     nodeInfos(selected, ""),
	})
}

// handleNodeByURL serves /v1/nodes/{url}/{remove|free|release|call}. The node
// url is path escaped so it fits in one segment.
func (s *Server) handleNodeByURL(w http.ResponseWriter, r *http.Request) {
	trimmed := strings.TrimPrefix(r.URL.EscapedPath(), "/v1/nodes/")
	parts := strings.Split(trimmed, "/")
	if len(parts) != 2 || strings.TrimSpace(parts[0]) == "" || strings.TrimSpace(parts[1]) == "" {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_node_path", "expected /v1/nodes/{url}/{remove|free|release|call}")
		return
	}
	nodeURL, err := url.PathUnescape(parts[0])
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_node_path", "node url must be path escaped")
		return
	}
	if r.Method != http.MethodPost {
		httpx.WriteError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}

	switch parts[1] {
	case "remove":
		forever, err := parseBoolQuery(r, "forever")
		if err != nil {
			httpx.WriteError(w, http.StatusBadRequest, "invalid_forever", "forever must be a boolean")
			return
		}
		s.runNodeAction(w, r, nodeURL, func(ctx context.Context) error {
			return s.nodes.RemoveNode(ctx, nodeURL, forever)
		})
	case "free":
		s.runNodeAction(w, r, nodeURL, func(ctx context.Context) error {
			return s.nodes.FreeNode(ctx, nodeURL)
		})
	case "release":
		s.runNodeAction(w, r, nodeURL, func(ctx context.Context) error {
			return s.nodes.ReleaseNode(ctx, nodeURL)
		})
	case "call":
		s.handleNodeCall(w, r, nodeURL)
	default:
		httpx.WriteError(w, http.StatusNotFound, "not_found", "route not found")
	}
}

func (s *Server) handleNodeCall(w http.ResponseWriter, r *http.Request, nodeURL string) {
	var req callNodeRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_json", "request body must be valid JSON")
		return
	}
	method := strings.TrimSpace(req.Method)
	if method == "" {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_method", "method is required")
		return
	}
	var params any
	if len(req.Params) > 0 {
		params = req.Params
	}

	out, err := s.nodes.Invoke(r.Context(), nodeURL, nodeclient.CallOperation(method, params))
	if err != nil {
		s.writePoolError(w, err)
		return
	}
	result, _ := out.(json.RawMessage)
	if len(result) == 0 {
		result = json.RawMessage("null")
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"url":    nodeURL,
		"method": method,
		"result": result,
	})
}

func (s *Server) runNodeAction(w http.ResponseWriter, r *http.Request, nodeURL string, action func(context.Context) error) {
	if err := action(r.Context()); err != nil {
		s.writePoolError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"url":    nodeURL,
		"counts": s.nodes.GetCounts(),
	})
}

func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httpx.WriteError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	accepted, err := s.nodes.Shutdown(r.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("shutdown request failed")
		httpx.WriteError(w, http.StatusInternalServerError, "shutdown_failed", err.Error())
		return
	}
	httpx.WriteJSON(w, http.StatusAccepted, map[string]any{
		"accepted": accepted,
		"alive":    len(s.nodes.GetAliveNodes()),
	})
}

func (s *Server) writePoolError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, pool.ErrDuplicateNode):
		httpx.WriteError(w, http.StatusConflict, "duplicate_node", err.Error())
	case errors.Is(err, pool.ErrShutdownInProgress):
		httpx.WriteError(w, http.StatusServiceUnavailable, "shutdown_in_progress", err.Error())
	case errors.Is(err, pool.ErrNodeNotFound):
		httpx.WriteError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, pool.ErrNodeDown):
		httpx.WriteError(w, http.StatusConflict, "node_down", err.Error())
	case errors.Is(err, pool.ErrInvalidTransition):
		httpx.WriteError(w, http.StatusConflict, "invalid_transition", err.Error())
	case errors.Is(err, pool.ErrUnsupported), errors.Is(err, nodeclient.ErrCallUnsupported):
		httpx.WriteError(w, http.StatusNotImplemented, "unsupported_operation", err.Error())
	default:
		s.logger.Warn().Err(err).Msg("node operation failed")
		httpx.WriteError(w, http.StatusBadGateway, "operation_failed", err.Error())
	}
}

func nodeInfos(records []*pool.NodeRecord, state pool.NodeState) []pool.NodeInfo {
	out := make([]pool.NodeInfo, 0, len(records))
	for _, rec := range records {
		info := rec.Info()
		if state != "" && info.State != state {
			continue
		}
		out = append(out, info)
	}
	return out
}

func parseBoolQuery(r *http.Request, key string) (bool, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return false, nil
	}
	return strconv.ParseBool(raw)
}
