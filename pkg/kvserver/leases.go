// Copyright 2025 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package kvserver

import (
	"context"
	"time"

	"github.com/eyakubovich/etcd/pkg/kvpb"
)

// LeaseCreate grants a lease. TTLs below the server minimum are raised
// to it; the granted TTL is what counts.
func (s *Server) LeaseCreate(
	ctx context.Context, req *kvpb.LeaseCreateRequest,
) (*kvpb.LeaseCreateResponse, error) {
	resp := &kvpb.LeaseCreateResponse{}
	id, granted, err := s.leases.Create(ctx, time.Duration(req.TTL)*time.Second)
	if err != nil {
		return resp, s.reject(ctx, resp.Header(), err)
	}
	resp.Index = s.store.Index()
	resp.ID = id
	resp.TTL = int64(granted / time.Second)
	return resp, nil
}

// LeaseRevoke revokes a lease and deletes its attached keys as one
// atomic batch of DELETE events.
func (s *Server) LeaseRevoke(
	ctx context.Context, req *kvpb.LeaseRevokeRequest,
) (*kvpb.LeaseRevokeResponse, error) {
	resp := &kvpb.LeaseRevokeResponse{}
	if err := s.leases.Revoke(ctx, req.ID); err != nil {
		return resp, s.reject(ctx, resp.Header(), err)
	}
	resp.Index = s.store.Index()
	return resp, nil
}

// LeaseAttach attaches a key to a lease. Attaching consumes no global
// index; the key's versions are untouched.
func (s *Server) LeaseAttach(
	ctx context.Context, req *kvpb.LeaseAttachRequest,
) (*kvpb.LeaseAttachResponse, error) {
	resp := &kvpb.LeaseAttachResponse{}
	if err := s.leases.Attach(ctx, req.ID, req.Key); err != nil {
		return resp, s.reject(ctx, resp.Header(), err)
	}
	resp.Index = s.store.Index()
	return resp, nil
}

// LeaseKeepAlive refreshes a lease's deadline to now plus its granted
// TTL. The transport drives one call per stream message, answering
// them one for one.
func (s *Server) LeaseKeepAlive(
	ctx context.Context, req *kvpb.LeaseKeepAliveRequest,
) (*kvpb.LeaseKeepAliveResponse, error) {
	resp := &kvpb.LeaseKeepAliveResponse{}
	ttl, err := s.leases.KeepAlive(ctx, req.ID)
	if err != nil {
		return resp, s.reject(ctx, resp.Header(), err)
	}
	resp.Index = s.store.Index()
	resp.ID = req.ID
	resp.TTL = int64(ttl / time.Second)
	return resp, nil
}

// LeaseTimeToLive reads a lease's remaining lifetime, and its attached
// keys when requested.
func (s *Server) LeaseTimeToLive(
	ctx context.Context, req *kvpb.LeaseTimeToLiveRequest,
) (*kvpb.LeaseTimeToLiveResponse, error) {
	resp := &kvpb.LeaseTimeToLiveResponse{}
	st, err := s.leases.TimeToLive(ctx, req.ID, req.Keys)
	if err != nil {
		return resp, s.reject(ctx, resp.Header(), err)
	}
	resp.Index = s.store.Index()
	resp.ID = st.ID
	resp.TTL = int64(st.Remaining / time.Second)
	resp.GrantedTTL = int64(st.Granted / time.Second)
	resp.Keys = st.Keys
	return resp, nil
}

// LeaseLeases lists the active leases in id order.
func (s *Server) LeaseLeases(
	ctx context.Context, _ *kvpb.LeaseLeasesRequest,
) (*kvpb.LeaseLeasesResponse, error) {
	resp := &kvpb.LeaseLeasesResponse{}
	ids := s.leases.Leases()
	resp.Leases = make([]kvpb.LeaseStatus, len(ids))
	for i, id := range ids {
		resp.Leases[i] = kvpb.LeaseStatus{ID: id}
	}
	resp.Index = s.store.Index()
	return resp, nil
}
