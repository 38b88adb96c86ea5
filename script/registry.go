package script

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"redismap/interface/backend"
	"redismap/redis"
	"redismap/util/log"
)

var (
	ErrUnknownScript = errors.New("unknown script")
	// ErrScriptRetryExhausted means the server forgot the script again right after it was re-uploaded.
	ErrScriptRetryExhausted = errors.New("script missing after reload")
)

// UploadError is a failed SCRIPT LOAD.
type UploadError struct {
	Name string
	Addr string
	Err  error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("upload script %s to %s: %v", e.Name, e.Addr, e.Err)
}

func (e *UploadError) Unwrap() error {
	return e.Err
}

// Script is a server-side Lua procedure. Source is the uploaded text: the bodies of the
// required scripts, in order, followed by Body. SHA is the hash of Source.
type Script struct {
	Name     string
	Body     string
	Requires []string
	Source   string
	SHA      string
}

// UploadObserver is told about every SCRIPT LOAD.
type UploadObserver interface {
	ScriptUploaded()
}

// Registry holds the registered scripts and, per server address, the hashes known to be
// loaded there. Calls reference scripts by hash and upload them only when missing.
type Registry struct {
	mu       sync.RWMutex
	scripts  map[string]*Script
	loaded   map[string]map[string]struct{}
	observer UploadObserver
}

type Option func(r *Registry)

func WithUploadObserver(o UploadObserver) Option {
	return func(r *Registry) {
		r.observer = o
	}
}

func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		scripts: make(map[string]*Script),
		loaded:  make(map[string]map[string]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a script. Required scripts must already be registered; their own
// requirements are included first, each body once.
func (r *Registry) Register(name, body string, requires ...string) (*Script, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.scripts[name]; ok {
		return nil, fmt.Errorf("script %s already registered", name)
	}
	var source strings.Builder
	included := make(map[string]bool)
	var include func(names []string) error
	include = func(names []string) error {
		for _, req := range names {
			if included[req] {
				continue
			}
			dep, ok := r.scripts[req]
			if !ok {
				return fmt.Errorf("script %s requires %w %s", name, ErrUnknownScript, req)
			}
			if err := include(dep.Requires); err != nil {
				return err
			}
			included[req] = true
			source.WriteString(dep.Body)
			source.WriteString("\n")
		}
		return nil
	}
	if err := include(requires); err != nil {
		return nil, err
	}
	source.WriteString(body)
	s := &Script{
		Name:     name,
		Body:     body,
		Requires: append([]string(nil), requires...),
		Source:   source.String(),
	}
	sum := sha1.Sum([]byte(s.Source))
	s.SHA = hex.EncodeToString(sum[:])
	r.scripts[name] = s
	return s, nil
}

func (r *Registry) Get(name string) (*Script, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.scripts[name]
	return s, ok
}

// Scripts returns every registered script ordered by name.
func (r *Registry) Scripts() []*Script {
	r.mu.RLock()
	defer r.mu.RUnlock()
	scripts := make([]*Script, 0, len(r.scripts))
	for _, s := range r.scripts {
		scripts = append(scripts, s)
	}
	sort.Slice(scripts, func(i, j int) bool { return scripts[i].Name < scripts[j].Name })
	return scripts
}

func (r *Registry) isLoaded(addr, sha string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.loaded[addr][sha]
	return ok
}

func (r *Registry) markLoaded(addr, sha string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	shas, ok := r.loaded[addr]
	if !ok {
		shas = make(map[string]struct{})
		r.loaded[addr] = shas
	}
	shas[sha] = struct{}{}
}

// Invalidate forgets every script known to be loaded on addr.
func (r *Registry) Invalidate(addr string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.loaded, addr)
}

// Load uploads the named scripts to the server behind exec unless already known there.
func (r *Registry) Load(ctx context.Context, exec backend.Executor, names ...string) error {
	for _, name := range names {
		s, ok := r.Get(name)
		if !ok {
			return fmt.Errorf("%w %s", ErrUnknownScript, name)
		}
		if r.isLoaded(exec.Addr(), s.SHA) {
			continue
		}
		if err := r.upload(ctx, exec, s); err != nil {
			return err
		}
	}
	return nil
}

// upload sends SCRIPT LOAD. Concurrent uploads of one script are harmless: the server keeps
// one copy per hash.
func (r *Registry) upload(ctx context.Context, exec backend.Executor, s *Script) error {
	reply, err := exec.Execute(ctx, redis.NewCommand("SCRIPT", "LOAD", s.Source))
	if err == nil {
		err = reply.Err()
	}
	if err == nil && reply.String() != s.SHA {
		err = fmt.Errorf("server returned hash %s, expected %s", reply.String(), s.SHA)
	}
	if err != nil {
		return &UploadError{Name: s.Name, Addr: exec.Addr(), Err: err}
	}
	if r.observer != nil {
		r.observer.ScriptUploaded()
	}
	r.markLoaded(exec.Addr(), s.SHA)
	return nil
}

// Call runs a script with EVALSHA, uploading it first when the server is not known to have
// it. A NOSCRIPT reply clears what is known about the server and the upload is retried once.
// Error replies of the script itself are returned as values.
func (r *Registry) Call(ctx context.Context, exec backend.Executor, name string, keys []string, args ...interface{}) (*redis.Reply, error) {
	s, ok := r.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w %s", ErrUnknownScript, name)
	}
	cmdArgs := make([]interface{}, 0, 2+len(keys)+len(args))
	cmdArgs = append(cmdArgs, s.SHA, len(keys))
	for _, key := range keys {
		cmdArgs = append(cmdArgs, key)
	}
	cmdArgs = append(cmdArgs, args...)
	cmd := redis.NewCommand("EVALSHA", cmdArgs...)

	addr := exec.Addr()
	for attempt := 0; ; attempt++ {
		if !r.isLoaded(addr, s.SHA) {
			if err := r.upload(ctx, exec, s); err != nil {
				return nil, err
			}
		}
		reply, err := exec.Execute(ctx, cmd)
		if err != nil {
			return nil, err
		}
		if !redis.IsServerError(reply.Err(), "NOSCRIPT") {
			return reply, nil
		}
		r.Invalidate(addr)
		if attempt > 0 {
			return nil, fmt.Errorf("%w: %s on %s", ErrScriptRetryExhausted, name, addr)
		}
		log.Warn("script %s missing on %s, reloading", name, addr)
	}
}
