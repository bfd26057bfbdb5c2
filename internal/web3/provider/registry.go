// Package provider keeps one chain client per configured network.
package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"AgentBounty/internal/web3"
	"AgentBounty/internal/web3/ethereum"
)

// Dialer opens a client for a network. ethereum.Dial is the production
// implementation.
type Dialer func(ctx context.Context, network web3.Network) (web3.Client, error)

// DialEthereum adapts ethereum.Dial to the Dialer signature.
func DialEthereum(ctx context.Context, network web3.Network) (web3.Client, error) {
	return ethereum.Dial(ctx, network)
}

// Registry lazily dials networks and hands out shared clients.
type Registry struct {
	networks       web3.Networks
	defaultNetwork string
	dial           Dialer

	mu      sync.Mutex
	clients map[string]web3.Client
}

// NewRegistry validates that defaultNetwork is defined.
func NewRegistry(networks web3.Networks, defaultNetwork string, dial Dialer) (*Registry, error) {
	if len(networks) == 0 {
		return nil, errors.New("未配置任何链")
	}
	if _, ok := networks[defaultNetwork]; !ok {
		return nil, fmt.Errorf("默认链 %s 未在配置中找到", defaultNetwork)
	}
	if dial == nil {
		dial = DialEthereum
	}
	return &Registry{
		networks:       networks,
		defaultNetwork: defaultNetwork,
		dial:           dial,
		clients:        make(map[string]web3.Client),
	}, nil
}

// Default returns the definition of the default network.
func (r *Registry) Default() web3.Network {
	return r.networks[r.defaultNetwork]
}

// Network returns a network definition by name.
func (r *Registry) Network(name string) (web3.Network, bool) {
	return r.networks.Lookup(name)
}

// DefaultClient returns the client of the default network.
func (r *Registry) DefaultClient(ctx context.Context) (web3.Client, error) {
	return r.Client(ctx, r.defaultNetwork)
}

// Client returns the client for name, dialing it on first use.
func (r *Registry) Client(ctx context.Context, name string) (web3.Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if client, ok := r.clients[name]; ok {
		return client, nil
	}
	network, ok := r.networks[name]
	if !ok {
		return nil, fmt.Errorf("链 %s 未在配置中找到", name)
	}
	client, err := r.dial(ctx, network)
	if err != nil {
		return nil, err
	}
	r.clients[name] = client
	return client, nil
}

// Chains returns the sorted names of dialed networks.
func (r *Registry) Chains() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.clients))
	for name := range r.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close releases every dialed client.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, client := range r.clients {
		client.Close()
		delete(r.clients, name)
	}
}
