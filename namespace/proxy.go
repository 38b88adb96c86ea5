// Package namespace lets several logical key spaces share one server by prefixing every
// key a command names.
package namespace

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"redismap/interface/backend"
	"redismap/redis"
	"redismap/script"
	"redismap/util/pattern"
)

// Proxy rewrites commands for one prefix and forwards them. It keeps no state besides the
// prefix and the wrapped executor, so any number of proxies may share one client.
type Proxy struct {
	prefix  []byte
	exec    backend.Pipeliner
	scripts *script.Registry
}

// Separator ends every namespace prefix and may not appear anywhere else in it, so no
// prefix is the start of another one.
const Separator = ':'

var ErrInvalidPrefix = errors.New("invalid namespace prefix")

// New wraps exec. scripts must hold the built-in scripts; Keys, DBSize and FlushDB run
// through them. The prefix must be a non-empty name followed by Separator, e.g. "tenant1:".
func New(exec backend.Pipeliner, prefix string, scripts *script.Registry) (*Proxy, error) {
	if err := ValidatePrefix(prefix); err != nil {
		return nil, err
	}
	return &Proxy{prefix: []byte(prefix), exec: exec, scripts: scripts}, nil
}

// ValidatePrefix reports whether prefix can name a namespace.
func ValidatePrefix(prefix string) error {
	n := len(prefix)
	if n < 2 || prefix[n-1] != Separator {
		return fmt.Errorf("%w %q: must be a name followed by %q", ErrInvalidPrefix, prefix, Separator)
	}
	if strings.IndexByte(prefix[:n-1], Separator) >= 0 {
		return fmt.Errorf("%w %q: %q may only end the prefix", ErrInvalidPrefix, prefix, Separator)
	}
	return nil
}

func (p *Proxy) Prefix() string {
	return string(p.prefix)
}

// Addr is the address of the underlying server, so scripts loaded through one proxy are
// known to every other user of that server.
func (p *Proxy) Addr() string {
	return p.exec.Addr()
}

// Key returns the physical name of key.
func (p *Proxy) Key(key string) string {
	return string(withPrefix(p.prefix, []byte(key)))
}

// Rewrite returns the command that is actually sent for cmd.
func (p *Proxy) Rewrite(cmd *redis.Command) (*redis.Command, error) {
	return rewrite(p.prefix, cmd)
}

func (p *Proxy) Execute(ctx context.Context, cmd *redis.Command) (*redis.Reply, error) {
	rewritten, err := rewrite(p.prefix, cmd)
	if err != nil {
		return nil, err
	}
	reply, err := p.exec.Execute(ctx, rewritten)
	if err != nil {
		return nil, err
	}
	return strip(p.prefix, rewritten.PostProcess(), reply), nil
}

func (p *Proxy) Pipeline() backend.Batch {
	return &batch{proxy: p, inner: p.exec.Pipeline()}
}

func (p *Proxy) Transaction() backend.Batch {
	return &batch{proxy: p, inner: p.exec.Transaction()}
}

// everything is the pattern matching every key of the namespace.
func (p *Proxy) everything() string {
	return pattern.Escape(string(p.prefix)) + "*"
}

// Keys lists the keys of the namespace matching match, without the prefix.
func (p *Proxy) Keys(ctx context.Context, match string) ([]string, error) {
	reply, err := p.scripts.Call(ctx, p.exec, script.KeysPattern, []string{pattern.Escape(string(p.prefix)) + match})
	if err != nil {
		return nil, err
	}
	if err := reply.Err(); err != nil {
		return nil, err
	}
	return strip(p.prefix, redis.PostStripKeys, reply).Strings()
}

// DBSize counts the keys of the namespace.
func (p *Proxy) DBSize(ctx context.Context) (int64, error) {
	reply, err := p.scripts.Call(ctx, p.exec, script.CountPattern, []string{p.everything()})
	if err != nil {
		return 0, err
	}
	return reply.Int64()
}

// FlushDB deletes every key of the namespace and reports how many were removed.
func (p *Proxy) FlushDB(ctx context.Context) (int64, error) {
	reply, err := p.scripts.Call(ctx, p.exec, script.DelPattern, []string{p.everything()})
	if err != nil {
		return 0, err
	}
	return reply.Int64()
}

// batch rewrites commands as they are added. A command that cannot be rewritten fails the
// whole batch before anything is sent.
type batch struct {
	proxy *Proxy
	inner backend.Batch
	posts []redis.PostProcess
	err   error
}

func (b *batch) Add(cmd *redis.Command) {
	if b.err != nil {
		return
	}
	rewritten, err := rewrite(b.proxy.prefix, cmd)
	if err != nil {
		b.err = err
		return
	}
	b.posts = append(b.posts, rewritten.PostProcess())
	b.inner.Add(rewritten)
}

func (b *batch) Len() int {
	return b.inner.Len()
}

func (b *batch) Exec(ctx context.Context) ([]*redis.Reply, error) {
	if b.err != nil {
		return nil, b.err
	}
	posts := b.posts
	b.posts = nil
	replies, err := b.inner.Exec(ctx)
	if err != nil {
		return nil, err
	}
	for i := range replies {
		if i < len(posts) {
			replies[i] = strip(b.proxy.prefix, posts[i], replies[i])
		}
	}
	return replies, nil
}
