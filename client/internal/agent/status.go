package agent

import (
	"sort"
	"sync"
	"time"

	"frpc/client/internal/config"
)

// ProxyState is the lifecycle of one configured proxy within a session.
type ProxyState string

const (
	ProxyNew         ProxyState = "new"
	ProxyCheckFailed ProxyState = "check failed"
	ProxyWaitStart   ProxyState = "wait start"
	ProxyRunning     ProxyState = "running"
	ProxyStartError  ProxyState = "start error"
)

// ProxyStatus is a snapshot of one proxy.
type ProxyStatus struct {
	Name       string     `json:"name"`
	Type       string     `json:"type"`
	LocalAddr  string     `json:"local_addr"`
	State      ProxyState `json:"status"`
	RemoteAddr string     `json:"remote_addr,omitempty"`
	Err        string     `json:"err,omitempty"`

	WorkConns      int64     `json:"work_conns"`
	WorkConnErrors int64     `json:"work_conn_errors"`
	LastWorkConn   time.Time `json:"last_work_conn,omitempty"`
}

// StatusTable tracks every configured proxy. It outlives sessions; Reset
// puts all proxies back to new when a session starts.
type StatusTable struct {
	mu      sync.RWMutex
	proxies map[string]*ProxyStatus
}

func NewStatusTable(cfg *config.Config) *StatusTable {
	t := &StatusTable{proxies: make(map[string]*ProxyStatus)}
	for _, p := range cfg.ProxyList() {
		t.proxies[p.Name] = &ProxyStatus{
			Name:      p.Name,
			Type:      string(p.Type),
			LocalAddr: p.LocalAddr(),
			State:     ProxyNew,
		}
	}
	return t
}

func (t *StatusTable) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, st := range t.proxies {
		st.State = ProxyNew
		st.RemoteAddr = ""
		st.Err = ""
	}
}

func (t *StatusTable) set(name string, state ProxyState, remoteAddr, errMsg string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.proxies[name]
	if !ok {
		return
	}
	st.State = state
	st.RemoteAddr = remoteAddr
	st.Err = errMsg
}

func (t *StatusTable) recordWorkConn(name string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.proxies[name]
	if !ok {
		return
	}
	st.WorkConns++
	st.LastWorkConn = time.Now()
	if err != nil {
		st.WorkConnErrors++
	}
}

// Get returns the status of one proxy.
func (t *StatusTable) Get(name string) (ProxyStatus, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	st, ok := t.proxies[name]
	if !ok {
		return ProxyStatus{}, false
	}
	return *st, true
}

// Snapshot returns every proxy ordered by name.
func (t *StatusTable) Snapshot() []ProxyStatus {
	t.mu.RLock()
	out := make([]ProxyStatus, 0, len(t.proxies))
	for _, st := range t.proxies {
		out = append(out, *st)
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
