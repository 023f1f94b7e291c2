// Package rpma provides reliable, connection-oriented remote access to
// persistent memory over RDMA-capable network interfaces. A process
// registers local buffers with a Peer and either listens for or initiates
// connections; once a connection is established, one-sided reads move
// bytes straight out of the remote side's registered memory without
// involving the remote CPU.
//
// The object graph is rooted at the Peer, which owns the verbs protection
// domain. Memory regions, connection requests, connections and endpoints
// all hold a non-owning reference to their Peer and must be released
// before it. Teardown is strictly bottom-up; the provider refuses to free
// the protection domain while memory regions or queue pairs (held by
// connection requests and connections) still use it, and the library
// surfaces that refusal. Endpoints hold no protection-domain resource, so
// nothing refuses a Peer.Delete made before Endpoint.Shutdown.
package rpma
