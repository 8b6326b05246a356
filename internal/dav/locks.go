package dav

import (
	"context"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"gitea.jw6.us/james/davkit/internal/davxml"
)

const (
	defaultLockTimeout = 30 * time.Minute
	maxLockTimeout     = 24 * time.Hour
)

// LockInfo is a write lock held on a path.
type LockInfo struct {
	Token   string
	Path    string
	Owner   string
	Shared  bool
	Depth   int
	Created time.Time
	Timeout time.Duration
}

func (l LockInfo) expired(now time.Time) bool {
	return l.Timeout > 0 && now.After(l.Created.Add(l.Timeout))
}

// covers reports whether the lock applies to path.
func (l LockInfo) covers(path string) bool {
	if l.Path == path {
		return true
	}
	if l.Depth == 0 {
		return false
	}
	return l.Path == "" || strings.HasPrefix(path, l.Path+"/")
}

// LockBackend stores locks.
type LockBackend interface {
	// Locks returns the active locks on path. With children set, locks on
	// descendants are included too.
	Locks(ctx context.Context, path string, children bool) ([]LockInfo, error)
	Lock(ctx context.Context, lock LockInfo) error
	Unlock(ctx context.Context, path, token string) (bool, error)
	Refresh(ctx context.Context, token string, timeout time.Duration) (*LockInfo, error)
}

// MemoryLockBackend keeps locks in process memory.
type MemoryLockBackend struct {
	mu    sync.Mutex
	locks map[string]LockInfo
	now   func() time.Time
}

func NewMemoryLockBackend() *MemoryLockBackend {
	return &MemoryLockBackend{locks: make(map[string]LockInfo), now: time.Now}
}

func (b *MemoryLockBackend) prune() {
	now := b.now()
	for token, l := range b.locks {
		if l.expired(now) {
			delete(b.locks, token)
		}
	}
}

func (b *MemoryLockBackend) Locks(ctx context.Context, path string, children bool) ([]LockInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prune()
	var out []LockInfo
	for _, l := range b.locks {
		if l.covers(path) || (children && (path == "" || strings.HasPrefix(l.Path, path+"/"))) {
			out = append(out, l)
		}
	}
	return out, nil
}

func (b *MemoryLockBackend) Lock(ctx context.Context, lock LockInfo) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if lock.Created.IsZero() {
		lock.Created = b.now()
	}
	b.locks[lock.Token] = lock
	return nil
}

func (b *MemoryLockBackend) Unlock(ctx context.Context, path, token string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	l, ok := b.locks[token]
	if !ok || !l.covers(path) {
		return false, nil
	}
	delete(b.locks, token)
	return true, nil
}

func (b *MemoryLockBackend) Refresh(ctx context.Context, token string, timeout time.Duration) (*LockInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prune()
	l, ok := b.locks[token]
	if !ok {
		return nil, nil
	}
	l.Created = b.now()
	l.Timeout = timeout
	b.locks[token] = l
	return &l, nil
}

// LocksPlugin implements LOCK and UNLOCK and enforces lock tokens on writes.
type LocksPlugin struct {
	backend LockBackend
	server  *Server
}

func NewLocksPlugin(backend LockBackend) *LocksPlugin {
	return &LocksPlugin{backend: backend}
}

func (p *LocksPlugin) Name() string { return "locks" }

func (p *LocksPlugin) Features() []string { return []string{"2"} }

func (p *LocksPlugin) HTTPMethods(ctx context.Context, path string) []string {
	return []string{"LOCK", "UNLOCK"}
}

func (p *LocksPlugin) Initialize(s *Server) {
	p.server = s
	s.OnMethod("LOCK", DefaultPriority, p.httpLock)
	s.OnMethod("UNLOCK", DefaultPriority, p.httpUnlock)
	s.BeforeMethod.On(50, p.validateTokens)
	s.PropFind.On(DefaultPriority, p.propFind)
	s.AfterUnbind.On(DefaultPriority, p.afterUnbind)
}

var lockTokenPattern = regexp.MustCompile(`<(opaquelocktoken:[^>]+)>`)

// submittedTokens extracts the lock tokens of the If header.
func submittedTokens(r *http.Request) map[string]bool {
	out := map[string]bool{}
	for _, m := range lockTokenPattern.FindAllStringSubmatch(r.Header.Get("If"), -1) {
		out[m[1]] = true
	}
	return out
}

// ParseTimeout reads a Timeout header such as "Second-600, Infinite".
func ParseTimeout(header string) time.Duration {
	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		switch {
		case strings.EqualFold(part, "Infinite"):
			return maxLockTimeout
		case strings.HasPrefix(strings.ToLower(part), "second-"):
			n, err := strconv.ParseInt(part[len("second-"):], 10, 64)
			if err != nil || n <= 0 {
				continue
			}
			d := time.Duration(n) * time.Second
			if d > maxLockTimeout {
				d = maxLockTimeout
			}
			return d
		}
	}
	return defaultLockTimeout
}

func (p *LocksPlugin) validateTokens(ctx context.Context, req *Request) (Outcome, error) {
	var paths []string
	switch req.R.Method {
	case http.MethodPut, http.MethodDelete, "PROPPATCH", "MKCOL", "MKCALENDAR", "LOCK", "UNLOCK":
		paths = []string{req.Path}
	case "MOVE":
		paths = []string{req.Path}
		if dst := req.R.Header.Get("Destination"); dst != "" {
			if d, err := p.server.CalculateURI(dst); err == nil {
				paths = append(paths, d)
			}
		}
	case "COPY":
		if dst := req.R.Header.Get("Destination"); dst != "" {
			if d, err := p.server.CalculateURI(dst); err == nil {
				paths = append(paths, d)
			}
		}
	default:
		return Continue, nil
	}
	if req.R.Method == "LOCK" || req.R.Method == "UNLOCK" {
		// LOCK conflicts and UNLOCK tokens are checked by their handlers.
		return Continue, nil
	}
	tokens := submittedTokens(req.R)
	for _, path := range paths {
		locks, err := p.backend.Locks(ctx, path, req.R.Method == http.MethodDelete || req.R.Method == "MOVE")
		if err != nil {
			return Stop, err
		}
		for _, l := range locks {
			if !tokens[l.Token] {
				return Stop, Locked(l.Path)
			}
		}
	}
	return Continue, nil
}

func (p *LocksPlugin) httpLock(ctx context.Context, req *Request) (Outcome, error) {
	timeout := ParseTimeout(req.R.Header.Get("Timeout"))
	body, err := p.server.ReadBody(req)
	if err != nil {
		return Stop, err
	}

	if len(strings.TrimSpace(string(body))) == 0 {
		// Refresh of an existing lock.
		for token := range submittedTokens(req.R) {
			lock, err := p.backend.Refresh(ctx, token, timeout)
			if err != nil {
				return Stop, err
			}
			if lock != nil && lock.covers(req.Path) {
				p.writeLock(req, *lock, http.StatusOK)
				return Stop, nil
			}
		}
		return Stop, PreconditionFailed("no valid lock token was submitted for refresh")
	}

	info, err := davxml.ParseLockInfo(body)
	if err != nil {
		return Stop, BadRequest("%v", err)
	}
	depth := ParseDepth(req.R.Header.Get("Depth"), DepthInfinity)
	if depth == 1 {
		return Stop, BadRequest("depth 1 is not supported for LOCK")
	}

	existing, err := p.backend.Locks(ctx, req.Path, depth != 0)
	if err != nil {
		return Stop, err
	}
	for _, l := range existing {
		if !l.Shared || !info.Shared {
			return Stop, ConflictingLock(l.Path)
		}
	}

	tree := p.server.Tree(ctx)
	exists, err := tree.NodeExists(ctx, req.Path)
	if err != nil {
		return Stop, err
	}
	status := http.StatusOK
	if !exists {
		// Locking an unmapped url creates an empty resource.
		if _, err := p.server.CreateFile(ctx, req.Path, nil); err != nil {
			return Stop, err
		}
		status = http.StatusCreated
	}

	lock := LockInfo{
		Token:   "opaquelocktoken:" + uuid.NewString(),
		Path:    req.Path,
		Owner:   info.Owner,
		Shared:  info.Shared,
		Depth:   depth,
		Timeout: timeout,
	}
	if err := p.backend.Lock(ctx, lock); err != nil {
		return Stop, err
	}
	req.W.Header().Set("Lock-Token", "<"+lock.Token+">")
	p.writeLock(req, lock, status)
	return Stop, nil
}

func (p *LocksPlugin) writeLock(req *Request, lock LockInfo, status int) {
	prop := davxml.NewWriter(p.server.BaseURI(), nil)
	prop.StartElement(davxml.Clark(davxml.NSDAV, "prop"))
	prop.WriteElement(davxml.Clark(davxml.NSDAV, "lockdiscovery"), &davxml.LockDiscovery{Locks: []davxml.ActiveLock{activeLock(lock)}})
	prop.EndElement()
	p.server.WriteXML(req.W, status, prop.Bytes())
}

func activeLock(l LockInfo) davxml.ActiveLock {
	return davxml.ActiveLock{
		Token:   l.Token,
		Root:    l.Path,
		Shared:  l.Shared,
		Depth:   l.Depth,
		Owner:   l.Owner,
		Timeout: int64(l.Timeout / time.Second),
	}
}

func (p *LocksPlugin) httpUnlock(ctx context.Context, req *Request) (Outcome, error) {
	token := strings.Trim(strings.TrimSpace(req.R.Header.Get("Lock-Token")), "<>")
	if token == "" {
		return Stop, BadRequest("no lock token was supplied")
	}
	ok, err := p.backend.Unlock(ctx, req.Path, token)
	if err != nil {
		return Stop, err
	}
	if !ok {
		return Stop, ForbiddenCondition(davxml.Clark(davxml.NSDAV, "lock-token-matches-request-uri"), "the lock token does not match the request uri")
	}
	req.W.Header().Set("Content-Length", "0")
	req.W.WriteHeader(http.StatusNoContent)
	return Stop, nil
}

func (p *LocksPlugin) propFind(ctx context.Context, pf *PropFind, node Node) (Outcome, error) {
	pf.Handle(davxml.Clark(davxml.NSDAV, "supportedlock"), davxml.SupportedLock{})
	pf.Handle(davxml.Clark(davxml.NSDAV, "lockdiscovery"), LazyValue(func() (any, error) {
		locks, err := p.backend.Locks(ctx, pf.Path(), false)
		if err != nil {
			return nil, err
		}
		out := &davxml.LockDiscovery{}
		for _, l := range locks {
			out.Locks = append(out.Locks, activeLock(l))
		}
		return out, nil
	}))
	return Continue, nil
}

func (p *LocksPlugin) afterUnbind(ctx context.Context, path string) (Outcome, error) {
	locks, err := p.backend.Locks(ctx, path, true)
	if err != nil {
		return Continue, err
	}
	for _, l := range locks {
		if _, err := p.backend.Unlock(ctx, l.Path, l.Token); err != nil {
			return Continue, err
		}
	}
	return Continue, nil
}
