package transport

import (
	"fmt"
	"sync"

	"google.golang.org/grpc/resolver"

	"raftcore/internal/raft/fsm"
)

// Scheme is the gRPC target scheme used to address peers by replica ID
// rather than by network address: dial "raft:///<id>" and the registry
// resolves it to whatever address that ID currently has. Addresses can
// change (a replica restarting on a new port, a container rescheduled)
// without callers needing to re-dial.
const Scheme = "raft"

type idRegistry struct {
	mu       sync.RWMutex
	records  map[fsm.NodeID]string
	watchers map[fsm.NodeID]map[*raftResolver]struct{}
}

var registry = &idRegistry{
	records:  make(map[fsm.NodeID]string),
	watchers: make(map[fsm.NodeID]map[*raftResolver]struct{}),
}

// RegisterPeer sets or updates the address for id and notifies any resolver
// currently watching it.
func RegisterPeer(id fsm.NodeID, addr string) {
	registry.mu.Lock()
	registry.records[id] = addr
	watchers := registry.watchers[id]
	registry.mu.Unlock()

	for w := range watchers {
		w.pushCurrent()
	}
}

type raftBuilder struct{}

func (raftBuilder) Scheme() string { return Scheme }

func (raftBuilder) Build(target resolver.Target, cc resolver.ClientConn, _ resolver.BuildOptions) (resolver.Resolver, error) {
	id := fsm.NodeID(target.Endpoint())
	if id == "" {
		if p := target.URL.Path; len(p) > 0 {
			if p[0] == '/' {
				p = p[1:]
			}
			id = fsm.NodeID(p)
		}
	}
	if id == "" {
		return nil, fmt.Errorf("transport: raft resolver given empty target endpoint: %+v", target)
	}

	r := &raftResolver{id: id, cc: cc}
	r.subscribe()
	r.pushCurrent()
	return r, nil
}

type raftResolver struct {
	id fsm.NodeID
	cc resolver.ClientConn
}

func (r *raftResolver) ResolveNow(resolver.ResolveNowOptions) { r.pushCurrent() }

func (r *raftResolver) Close() {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	if set, ok := registry.watchers[r.id]; ok {
		delete(set, r)
		if len(set) == 0 {
			delete(registry.watchers, r.id)
		}
	}
}

func (r *raftResolver) subscribe() {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	set := registry.watchers[r.id]
	if set == nil {
		set = make(map[*raftResolver]struct{})
		registry.watchers[r.id] = set
	}
	set[r] = struct{}{}
}

func (r *raftResolver) pushCurrent() {
	registry.mu.RLock()
	addr, ok := registry.records[r.id]
	registry.mu.RUnlock()

	if !ok || addr == "" {
		_ = r.cc.UpdateState(resolver.State{Addresses: nil})
		return
	}
	_ = r.cc.UpdateState(resolver.State{Addresses: []resolver.Address{{Addr: addr}}})
}

func init() {
	resolver.Register(raftBuilder{})
}
