package relayserver

import (
	"sync"

	"github.com/codefionn/chatrelay/internal/protocol"
)

// ActionHandler is the default handler for a request action type.
type ActionHandler func(p *Peer, req *protocol.Request)

// NoticeHandler is the default handler for an out-of-band notice type.
type NoticeHandler func(p *Peer, n *protocol.Notice)

// ResponseHandler is a one-shot hook for the response to a single request.
type ResponseHandler func(resp *protocol.Response)

// handlerTable holds the dispatch state. Action-name handlers and
// correlation-id handlers live in separate maps so the two keyspaces cannot
// collide.
type handlerTable struct {
	mu        sync.Mutex
	actions   map[protocol.Action]ActionHandler
	notices   map[string]NoticeHandler
	responses map[string]ResponseHandler
}

func newHandlerTable() *handlerTable {
	return &handlerTable{
		actions:   make(map[protocol.Action]ActionHandler),
		notices:   make(map[string]NoticeHandler),
		responses: make(map[string]ResponseHandler),
	}
}

func (t *handlerTable) setAction(a protocol.Action, fn ActionHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if fn == nil {
		delete(t.actions, a)
		return
	}
	t.actions[a] = fn
}

func (t *handlerTable) action(a protocol.Action) ActionHandler {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.actions[a]
}

func (t *handlerTable) setNotice(typ string, fn NoticeHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if fn == nil {
		delete(t.notices, typ)
		return
	}
	t.notices[typ] = fn
}

func (t *handlerTable) notice(typ string) NoticeHandler {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.notices[typ]
}

func (t *handlerTable) putResponse(id string, fn ResponseHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.responses[id] = fn
}

// takeResponse removes and returns the one-shot handler for id, so the
// handler runs at most once no matter how many responses claim the id.
func (t *handlerTable) takeResponse(id string) ResponseHandler {
	t.mu.Lock()
	defer t.mu.Unlock()
	fn := t.responses[id]
	delete(t.responses, id)
	return fn
}

func (t *handlerTable) removeResponse(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.responses, id)
}

func (t *handlerTable) clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.actions = make(map[protocol.Action]ActionHandler)
	t.notices = make(map[string]NoticeHandler)
	t.responses = make(map[string]ResponseHandler)
}
