package server

import (
	"context"
	"errors"
	"sort"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/aeolun/meshchat/pkg/protocol"
)

// maxConcurrentDials caps outbound connects started by one merge
const maxConcurrentDials = 8

// Topology returns this server followed by every registered peer, sorted by key
func (f *FederationRegistry) Topology() []protocol.ServerInfo {
	servers := []protocol.ServerInfo{f.LocalIdentity()}

	f.mu.RLock()
	keys := make([]string, 0, len(f.peers))
	for key := range f.peers {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		servers = append(servers, f.peers[key].Info)
	}
	f.mu.RUnlock()

	return servers
}

// unknownServers filters servers down to the ones we are neither connected
// to nor dialling
func (f *FederationRegistry) unknownServers(servers []protocol.ServerInfo) []protocol.ServerInfo {
	f.mu.RLock()
	defer f.mu.RUnlock()

	seen := make(map[string]bool)
	var unknown []protocol.ServerInfo
	for _, s := range servers {
		s := s
		if s.IP == "" || s.FederationPort == 0 {
			continue
		}
		key := s.Key()
		if key == f.localKey || seen[key] || f.peers[key] != nil || f.peers[f.aliases[key]] != nil || f.pending[key] {
			continue
		}
		seen[key] = true
		unknown = append(unknown, s)
	}
	return unknown
}

// MergeTopology connects to every listed server that is not us and not known
// yet. Merging the same list again does nothing. Dial failures are combined
// into the returned error; they do not stop the other dials.
func (f *FederationRegistry) MergeTopology(ctx context.Context, servers []protocol.ServerInfo) error {
	targets := f.unknownServers(servers)
	if len(targets) == 0 {
		return nil
	}

	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs error
	)
	g.SetLimit(maxConcurrentDials)

	for _, s := range targets {
		s := s
		g.Go(func() error {
			err := f.ConnectOutbound(ctx, s.IP, int(s.FederationPort))
			if err == nil || errors.Is(err, ErrAlreadyConnected) || errors.Is(err, ErrSelfConnection) {
				return nil
			}
			mu.Lock()
			errs = multierr.Append(errs, err)
			mu.Unlock()
			return nil
		})
	}
	g.Wait()
	return errs
}

// mergeTopologyAsync runs MergeTopology off the link's read loop
func (f *FederationRegistry) mergeTopologyAsync(servers []protocol.ServerInfo) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.wg.Add(1)
	f.mu.Unlock()

	go func() {
		defer f.wg.Done()
		if err := f.MergeTopology(f.ctx, servers); err != nil {
			f.logger.Warn("topology merge incomplete", zap.Error(err))
		}
	}()
}
