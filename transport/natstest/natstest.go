// Package natstest starts an embedded JetStream server for tests.
package natstest

import (
	"testing"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360studio/propd/transport"
)

// Start runs an embedded server for the duration of the test and returns a
// connection and JetStream context on it.
func Start(t testing.TB) (*nats.Conn, jetstream.JetStream) {
	t.Helper()

	ns, err := transport.StartEmbedded(t.TempDir())
	if err != nil {
		t.Fatalf("start embedded nats: %v", err)
	}

	nc, err := nats.Connect(ns.ClientURL())
	if err != nil {
		ns.Shutdown()
		t.Fatalf("connect to embedded nats: %v", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		ns.Shutdown()
		t.Fatalf("create jetstream: %v", err)
	}

	t.Cleanup(func() {
		nc.Close()
		ns.Shutdown()
		ns.WaitForShutdown()
	})
	return nc, js
}
