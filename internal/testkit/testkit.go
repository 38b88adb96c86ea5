// Package testkit wires an in-process server, a client and a script registry for tests.
package testkit

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"redismap/client"
	"redismap/config"
	"redismap/internal/memstore"
	"redismap/script"
)

type Env struct {
	Server   *memstore.Server
	Client   *client.Client
	Registry *script.Registry
	Metrics  *client.Metrics
}

// New starts a server on a free port and a client connected to it. edit adjusts the client
// properties before the client is created. Scripts run as Lua. Everything is closed when
// the test ends.
func New(t testing.TB, edit ...func(p *config.ClientProperties)) *Env {
	t.Helper()
	srv := memstore.New(memstore.Options{})
	if err := srv.Start("127.0.0.1:0"); err != nil {
		t.Fatalf("start memstore: %v", err)
	}
	t.Cleanup(func() { _ = srv.Close() })

	props := config.Defaults()
	props.Address = srv.Addr()
	props.MaxConnections = 8
	for _, fn := range edit {
		fn(props)
	}
	metrics := client.NewMetrics(prometheus.NewRegistry())
	c, err := client.New(props, client.WithMetrics(metrics))
	if err != nil {
		t.Fatalf("create client: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })

	reg := script.NewRegistry(script.WithUploadObserver(metrics))
	if err := script.RegisterBuiltins(reg); err != nil {
		t.Fatalf("register builtins: %v", err)
	}
	return &Env{Server: srv, Client: c, Registry: reg, Metrics: metrics}
}

// BindScripts makes the server run the native implementation of every registered built-in
// instead of its Lua body.
func BindScripts(srv *memstore.Server, reg *script.Registry) {
	for _, s := range reg.Scripts() {
		srv.BindBuiltin(s.Name, s.SHA)
	}
}
