package table

import "github.com/wirebus/wirebus/internal/session"

// proxyChain is the ordered list of sessions registered to intercept
// item_add on one table (spec.md §4.8.5). Traversal is strictly
// sequential: the Nth proxy only ever sees what the (N-1)th proxy echoed
// back, and the proxy_id assigned when an add first enters the chain is
// reused unchanged for every subsequent hop — only the entry point
// allocates a new one.
type proxyChain struct {
	order    []string // app keys, registration order
	sessions map[string]*session.Session
	nextID   uint64
}

func newProxyChain() *proxyChain {
	return &proxyChain{sessions: make(map[string]*session.Session)}
}

func (p *proxyChain) Attach(s *session.Session) {
	key := s.App().Key()
	if _, ok := p.sessions[key]; ok {
		return
	}
	p.order = append(p.order, key)
	p.sessions[key] = s
}

func (p *proxyChain) Detach(s *session.Session) {
	key := s.App().Key()
	if _, ok := p.sessions[key]; !ok {
		return
	}
	delete(p.sessions, key)
	for i, k := range p.order {
		if k == key {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
}

func (p *proxyChain) Len() int { return len(p.order) }

// First returns the first proxy in the chain and a freshly allocated
// proxy_id for this add, which every later hop of the chain will reuse.
func (p *proxyChain) First() (*session.Session, uint64, bool) {
	if len(p.order) == 0 {
		return nil, 0, false
	}
	p.nextID++
	return p.sessions[p.order[0]], p.nextID, true
}

// Next returns the proxy immediately after the one identified by
// appKey, or false if appKey was the last hop (meaning the caller should
// persist instead of forwarding further).
func (p *proxyChain) Next(appKey string) (*session.Session, bool) {
	for i, k := range p.order {
		if k != appKey {
			continue
		}
		if i == len(p.order)-1 {
			return nil, false
		}
		return p.sessions[p.order[i+1]], true
	}
	return nil, false
}
