package devservice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rtloftin/discrete-bam/internal/logger"
	"github.com/rtloftin/discrete-bam/internal/protocol/wire"
)

type handlerFunc func(ctx context.Context, data json.RawMessage) (any, error)

var (
	errNoSession      = errors.New("no session started")
	errSessionStarted = errors.New("session already started")
)

// startRequest is the start-session payload. Everything is optional.
type startRequest struct {
	Condition json.RawMessage `json:"condition"`
	Layout    *Layout         `json:"layout"`
	Seed      *uint64         `json:"seed"`
	Initial   struct {
		State json.RawMessage `json:"state"`
		Task  *wire.TaskInfo  `json:"task"`
	} `json:"initial"`
}

// peer serves one websocket connection. Requests are handled in arrival
// order on the read loop, so the world and learner need no locking.
type peer struct {
	srv *Server
	ws  *websocket.Conn

	id      string
	world   *World
	learner *Learner

	handlers map[string]handlerFunc
	// sessions lists every session started on this socket.
	sessions []string
}

func newPeer(srv *Server, ws *websocket.Conn) *peer {
	p := &peer{srv: srv, ws: ws}
	p.handlers = map[string]handlerFunc{
		wire.TypeStartSession: p.startSession,
		wire.TypeEndSession:   p.inSession(p.endSession),
		wire.TypeTakeAction:   p.inSession(p.takeAction),
		wire.TypeGetAction:    p.inSession(p.getAction),
		wire.TypeFeedback:     p.inSession(p.feedback),
		wire.TypeTask:         p.inSession(p.task),
		wire.TypeUpdate:       p.inSession(p.update),
		wire.TypeReset:        p.inSession(p.reset),
		wire.TypeSetState:     p.inSession(p.setState),
		wire.TypeLog:          p.inSession(p.note(wire.TypeLog)),
		wire.TypeError:        p.inSession(p.note(wire.TypeError)),
		wire.TypeComplete:     p.inSession(p.note(wire.TypeComplete)),
	}
	return p
}

func (p *peer) serve(ctx context.Context) {
	defer p.abandon()

	for {
		_, data, err := p.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Warnf("devservice: websocket error: %v", err)
			}
			return
		}

		var req wire.Request
		if err := json.Unmarshal(data, &req); err != nil || req.Type == "" {
			logger.Warnf("devservice: dropped malformed request (len=%d)", len(data))
			continue
		}
		if err := p.ws.WriteJSON(p.handle(ctx, req)); err != nil {
			logger.Warnf("devservice: write response %d: %v", req.ID, err)
			return
		}
	}
}

func (p *peer) handle(ctx context.Context, req wire.Request) wire.Response {
	h, ok := p.handlers[req.Type]
	if !ok {
		return wire.Fail(req.ID, fmt.Sprintf("unknown request type %q", req.Type))
	}
	if len(req.Data) == 0 || string(req.Data) == "null" {
		req.Data = json.RawMessage(`{}`)
	}

	logger.Debugf("devservice: %s request %d", req.Type, req.ID)
	out, err := h(ctx, req.Data)
	if err != nil {
		logger.Infof("devservice: %s request %d failed: %v", req.Type, req.ID, err)
		return wire.Fail(req.ID, err.Error())
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return wire.Fail(req.ID, "encode response: "+err.Error())
	}
	return wire.Ok(req.ID, raw)
}

func (p *peer) inSession(h handlerFunc) handlerFunc {
	return func(ctx context.Context, data json.RawMessage) (any, error) {
		if p.id == "" {
			return nil, errNoSession
		}
		return h(ctx, data)
	}
}

// summary describes the socket once it has closed.
func (p *peer) summary() string {
	switch len(p.sessions) {
	case 0:
		return "closed without a session"
	case 1:
		return "closed after session " + p.sessions[0]
	}
	return fmt.Sprintf("closed after %d sessions (%s)", len(p.sessions), strings.Join(p.sessions, ", "))
}

// record logs to the store. A failed write is logged but does not fail the
// request.
func (p *peer) record(ctx context.Context, typ string, payload any) {
	if err := p.srv.store.Record(ctx, p.id, typ, payload); err != nil {
		logger.Errorf("devservice: %v", err)
	}
}

// abandon ends a session whose client went away without end-session.
func (p *peer) abandon() {
	if p.id == "" {
		return
	}
	ctx := context.Background()
	p.record(ctx, "end", map[string]string{"reason": "disconnected"})
	if err := p.srv.store.EndSession(ctx, p.id, "disconnected"); err != nil {
		logger.Errorf("devservice: %v", err)
	}
	logger.Infof("devservice: session %s disconnected", p.id)
	p.id = ""
}

func (p *peer) startSession(ctx context.Context, data json.RawMessage) (any, error) {
	if p.id != "" {
		return nil, errSessionStarted
	}
	var req startRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("decode start-session: %w", err)
	}

	layout := p.srv.cfg.Layout
	if req.Layout != nil {
		layout = *req.Layout
	}
	seed := p.srv.seed()
	if req.Seed != nil {
		seed = *req.Seed
	}
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))

	world, err := NewWorld(layout, rng)
	if err != nil {
		return nil, err
	}
	if req.Initial.Task != nil {
		if err := world.SetTask(req.Initial.Task.Name); err != nil {
			return nil, err
		}
	}
	if len(req.Initial.State) > 0 {
		if err := world.SetState(req.Initial.State); err != nil {
			return nil, err
		}
	}

	id := uuid.NewString()
	if err := p.srv.store.CreateSession(ctx, id, req.Condition); err != nil {
		return nil, err
	}
	p.id, p.world, p.learner = id, world, NewLearner(rng)
	p.sessions = append(p.sessions, id)

	resp := struct {
		wire.SessionStart
		Session string `json:"session"`
	}{Session: id}
	resp.State = mustJSON(world.State())
	resp.Task = mustJSON(world.Task())
	resp.Depth = layout.Depth
	resp.NoOp = ActionStay
	resp.Layout = mustJSON(struct {
		Width  int `json:"width"`
		Height int `json:"height"`
	}{layout.Width, layout.Height})
	for _, g := range layout.Goals {
		resp.Tasks = append(resp.Tasks, wire.TaskInfo{Name: g.Name, DisplayName: g.Name})
	}

	p.record(ctx, "start", map[string]any{"seed": seed, "response": resp})
	logger.Infof("devservice: session %s started", id)
	return resp, nil
}

func (p *peer) endSession(ctx context.Context, _ json.RawMessage) (any, error) {
	p.record(ctx, "end", map[string]string{"reason": "complete"})
	if err := p.srv.store.EndSession(ctx, p.id, "complete"); err != nil {
		return nil, err
	}
	logger.Infof("devservice: session %s ended", p.id)
	p.id, p.world, p.learner = "", nil, nil
	return struct{}{}, nil
}

func (p *peer) takeAction(ctx context.Context, data json.RawMessage) (any, error) {
	var req wire.ActionRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("decode take-action: %w", err)
	}
	onTask := req.OnTask == nil || *req.OnTask

	start := p.world.Position()
	p.learner.Observe(p.world.Task().Name, start, req.Type, onTask)
	p.world.Step(req.Type)

	p.record(ctx, wire.TypeTakeAction, map[string]any{
		"start": start, "action": req.Type, "end": p.world.Position(), "on-task": onTask,
	})
	return p.stateResponse(), nil
}

func (p *peer) getAction(ctx context.Context, _ json.RawMessage) (any, error) {
	start := p.world.Position()
	action := p.learner.Act(p.world.Task().Name, start)
	p.world.Step(action)

	p.record(ctx, wire.TypeGetAction, map[string]any{
		"start": start, "action": action, "end": p.world.Position(),
	})
	return p.stateResponse(), nil
}

func (p *peer) feedback(ctx context.Context, data json.RawMessage) (any, error) {
	var req wire.FeedbackRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("decode feedback: %w", err)
	}
	if !req.Type.Valid() {
		return nil, fmt.Errorf("unknown feedback %q", req.Type)
	}
	p.learner.Feedback(req.Type)
	p.record(ctx, wire.TypeFeedback, req)
	return struct{}{}, nil
}

func (p *peer) task(ctx context.Context, data json.RawMessage) (any, error) {
	var req wire.TaskRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("decode task: %w", err)
	}
	if err := p.world.SetTask(req.Name); err != nil {
		return nil, err
	}
	p.record(ctx, wire.TypeTask, req)
	return wire.StateResponse{State: mustJSON(p.world.State()), Task: mustJSON(p.world.Task())}, nil
}

func (p *peer) update(ctx context.Context, _ json.RawMessage) (any, error) {
	sum := p.learner.Integrate()
	p.record(ctx, "integrate", sum)
	return sum, nil
}

func (p *peer) reset(ctx context.Context, _ json.RawMessage) (any, error) {
	p.world.Reset()
	p.record(ctx, wire.TypeReset, map[string]any{"state": p.world.Position()})
	return p.stateResponse(), nil
}

func (p *peer) setState(ctx context.Context, data json.RawMessage) (any, error) {
	if err := p.world.SetState(data); err != nil {
		return nil, err
	}
	p.record(ctx, wire.TypeSetState, map[string]any{"state": p.world.Position()})
	return p.stateResponse(), nil
}

// note records log, error and complete messages verbatim.
func (p *peer) note(typ string) handlerFunc {
	return func(ctx context.Context, data json.RawMessage) (any, error) {
		p.record(ctx, typ, data)
		if typ == wire.TypeError {
			logger.Warnf("devservice: client error in session %s: %s", p.id, data)
		}
		return struct{}{}, nil
	}
}

func (p *peer) stateResponse() wire.StateResponse {
	return wire.StateResponse{State: mustJSON(p.world.State())}
}

// mustJSON encodes values whose encoding cannot fail.
func mustJSON(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("devservice: encode %T: %v", v, err))
	}
	return raw
}
