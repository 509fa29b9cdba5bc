package hub

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/m2m-fabric/m2m/internal/control"
	"github.com/m2m-fabric/m2m/internal/metrics"
	"github.com/m2m-fabric/m2m/internal/registry"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Agents are machine clients; origin checks belong to a fronting proxy.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleWS upgrades the control socket and runs its request loop. Each text
// message carries exactly one JSON request and receives exactly one JSON
// response with the request's correlation id echoed back.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	defer conn.Close()

	metrics.ControlConnections.Inc()
	defer metrics.ControlConnections.Dec()

	// Ids registered or heartbeated over this socket; marked offline when
	// the socket drops without an explicit disconnect.
	owned := make(map[string]bool)
	defer func() {
		for id := range owned {
			if err := s.reg.Disconnect(id); err != nil && !errors.Is(err, registry.ErrNotFound) {
				s.log.Warn("offline on close failed", "id", id, "error", err)
			}
		}
	}()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		var req control.Request
		if err := json.Unmarshal(data, &req); err != nil {
			s.writeResponse(conn, control.Response{
				Status: "error",
				Error:  control.ErrCodeInvalidJSON,
			})
			continue
		}

		resp := s.dispatch(conn, &req, owned)
		resp.CorrelationID = req.CorrelationID
		if !s.writeResponse(conn, resp) {
			return
		}

		if req.Action == control.ActionDisconnect && resp.OK() {
			delete(owned, req.ID)
		}
	}
}

func (s *Server) writeResponse(conn *websocket.Conn, resp control.Response) bool {
	data, err := json.Marshal(resp)
	if err != nil {
		s.log.Error("marshal response", "error", err)
		return false
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return false
	}
	return true
}

// dispatch routes one control request. The returned response has Status and
// action-specific fields set; the caller stamps the correlation id.
func (s *Server) dispatch(conn *websocket.Conn, req *control.Request, owned map[string]bool) control.Response {
	resp := s.handleAction(conn, req, owned)

	outcome := "ok"
	if !resp.OK() {
		outcome = "error"
	}
	metrics.ControlRequests.WithLabelValues(req.Action, outcome).Inc()
	return resp
}

func (s *Server) handleAction(conn *websocket.Conn, req *control.Request, owned map[string]bool) control.Response {
	switch req.Action {
	case control.ActionRegister:
		address := registry.DeriveAddress(conn.RemoteAddr().String(), req.Address, s.cfg.TrustAgentAddr)
		rec, err := s.reg.Register(address, req.Capabilities, req.Metadata)
		if err != nil {
			s.log.Error("register failed", "error", err)
			return errResponse(control.ErrCodeInvalidMessage)
		}
		owned[rec.ID] = true
		return control.Response{
			Status:  "ok",
			ID:      rec.ID,
			Address: rec.Address,
			Agent:   rec,
		}

	case control.ActionHeartbeat:
		if req.ID == "" {
			return errResponse(control.ErrCodeMissingField)
		}
		ts, err := s.reg.Heartbeat(req.ID)
		if err != nil {
			return errResponse(control.ErrCodeAgentNotFound)
		}
		owned[req.ID] = true
		return control.Response{Status: "ok", Timestamp: ts.UnixMilli()}

	case control.ActionDiscover:
		if req.ID != "" {
			s.reg.Touch(req.ID)
		}
		agents := s.reg.Discover(registry.Query{
			ExcludeID:    req.ID,
			Capabilities: req.Capabilities,
			Status:       req.Status,
			Limit:        req.Limit,
			Offset:       req.Offset,
		})
		return listResponse(agents, req.Limit, req.Offset)

	case control.ActionFind:
		if req.Capability == "" {
			return errResponse(control.ErrCodeMissingField)
		}
		agents := s.reg.Find(req.Capability, req.Limit, req.Offset)
		return listResponse(agents, req.Limit, req.Offset)

	case control.ActionLookup:
		if req.ID == "" {
			return errResponse(control.ErrCodeMissingField)
		}
		rec, err := s.reg.Lookup(req.ID)
		if err != nil {
			return errResponse(control.ErrCodeAgentNotFound)
		}
		return control.Response{Status: "ok", Agent: rec, Address: rec.Address}

	case control.ActionStatus:
		if req.ID == "" {
			return errResponse(control.ErrCodeMissingField)
		}
		if req.Status != "" && !req.Status.Valid() {
			return errResponse(control.ErrCodeInvalidMessage)
		}
		if err := s.reg.UpdateStatus(req.ID, req.Status, req.Metadata); err != nil {
			if errors.Is(err, registry.ErrNotFound) {
				return errResponse(control.ErrCodeAgentNotFound)
			}
			return errResponse(control.ErrCodeInvalidMessage)
		}
		return control.Response{Status: "ok"}

	case control.ActionDisconnect:
		if req.ID == "" {
			return errResponse(control.ErrCodeMissingField)
		}
		if err := s.reg.Disconnect(req.ID); err != nil {
			return errResponse(control.ErrCodeAgentNotFound)
		}
		return control.Response{Status: "ok", ID: req.ID}

	case control.ActionStats:
		st := s.reg.Stats()
		st.UptimeSeconds = int64(s.clk.Since(s.started).Seconds())
		return control.Response{Status: "ok", Stats: st}

	default:
		return errResponse(control.ErrCodeUnknownAction)
	}
}

func errResponse(code string) control.Response {
	return control.Response{Status: "error", Error: code}
}

func listResponse(agents []*control.AgentRecord, limit, offset int) control.Response {
	if limit <= 0 {
		limit = control.DefaultLimit
	}
	if limit > control.MaxLimit {
		limit = control.MaxLimit
	}
	return control.Response{
		Status: "ok",
		Agents: agents,
		Count:  len(agents),
		Limit:  limit,
		Offset: max(offset, 0),
	}
}
