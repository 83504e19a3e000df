// Copyright 2025 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package kvserver

import (
	"bytes"
	"context"

	"github.com/eyakubovich/etcd/pkg/kvpb"
	"github.com/eyakubovich/etcd/pkg/storage"
	"github.com/eyakubovich/etcd/pkg/util/log"
	"github.com/eyakubovich/etcd/pkg/util/timeutil"
)

// Txn evaluates the request's guards against the current live state
// and applies exactly one of its two operation lists, atomically with
// respect to the guard evaluation. The whole transaction consumes at
// most one global index, shared by every event it produces.
func (s *Server) Txn(ctx context.Context, req *kvpb.TxnRequest) (*kvpb.TxnResponse, error) {
	resp := &kvpb.TxnResponse{}
	if err := validateTxn(req); err != nil {
		return resp, s.reject(ctx, resp.Header(), err)
	}

	s.applyMu.Lock()
	defer s.applyMu.Unlock()
	resp.Succeeded, resp.Responses, resp.Index = s.evalTxn(ctx, req)
	return resp, nil
}

// LeaseTxn runs a transaction whose lease attachments are contingent
// on its outcome: SuccessAttach applies after the Success list,
// FailureAttach after the Failure list. The attachments happen inside
// the transaction's critical section, so an expiry observed after the
// response was built deletes the attached keys rather than racing the
// attachment itself.
func (s *Server) LeaseTxn(
	ctx context.Context, req *kvpb.LeaseTxnRequest,
) (*kvpb.LeaseTxnResponse, error) {
	resp := &kvpb.LeaseTxnResponse{}
	if err := validateTxn(&req.Txn); err != nil {
		return resp, s.reject(ctx, resp.Header(), err)
	}
	if err := s.validateAttaches(ctx, req.SuccessAttach, req.FailureAttach); err != nil {
		return resp, s.reject(ctx, resp.Header(), err)
	}

	s.applyMu.Lock()
	defer s.applyMu.Unlock()
	resp.Succeeded, resp.Responses, resp.Index = s.evalTxn(ctx, &req.Txn)
	attaches := req.SuccessAttach
	if !resp.Succeeded {
		attaches = req.FailureAttach
	}
	resp.Index = s.attach(ctx, attaches, resp.Index)
	return resp, nil
}

// evalTxn runs one guarded transaction through the store and hands its
// events to the watch dispatcher. The caller must hold applyMu. The
// returned sub-responses carry the resulting global index in their
// headers.
func (s *Server) evalTxn(
	ctx context.Context, req *kvpb.TxnRequest,
) (succeeded bool, resps []kvpb.ResponseUnion, index int64) {
	start := timeutil.Now()
	tx := s.store.BeginTxn()

	succeeded = true
	for _, c := range req.Compare {
		if !guardApplies(ctx, tx, c) {
			succeeded = false
			break
		}
	}
	ops := req.Success
	if !succeeded {
		ops = req.Failure
	}
	resps = make([]kvpb.ResponseUnion, len(ops))
	for i, op := range ops {
		resps[i] = applyTxnOp(ctx, tx, op)
	}

	events, index := tx.End(ctx)
	for i := range resps {
		resps[i].GetInner().Header().Index = index
	}
	s.watch.Publish(ctx, index, events)
	s.metrics.ApplyLatency.RecordValue(timeutil.Since(start).Nanoseconds())

	s.metrics.TxnEvaluations.Inc(1)
	if !succeeded {
		s.metrics.TxnGuardFailures.Inc(1)
	}
	return succeeded, resps, index
}

// applyTxnOp applies one sub-operation under the transaction and
// builds its response. A sub-read that fails reports the failure in
// its own header rather than aborting the transaction.
func applyTxnOp(ctx context.Context, tx *storage.WriteTxn, op kvpb.RequestUnion) kvpb.ResponseUnion {
	var ru kvpb.ResponseUnion
	switch {
	case op.Range != nil:
		req := op.Range
		rresp := &kvpb.RangeResponse{}
		res, err := tx.Range(ctx, req.Key, req.RangeEnd, storage.RangeOptions{
			Limit:     req.Limit,
			Index:     req.Index,
			CountOnly: req.CountOnly,
			KeysOnly:  req.KeysOnly,
		})
		if err != nil {
			rresp.Error = err.Error()
		} else {
			rresp.Kvs = res.Kvs
			rresp.More = res.More
			rresp.Count = res.Count
		}
		ru.MustSetInner(rresp)
	case op.Put != nil:
		tx.Put(ctx, op.Put.Key, op.Put.Value)
		ru.MustSetInner(&kvpb.PutResponse{})
	case op.DeleteRange != nil:
		n := tx.DeleteRange(ctx, op.DeleteRange.Key, op.DeleteRange.RangeEnd, kvpb.EventDelete)
		ru.MustSetInner(&kvpb.DeleteRangeResponse{Deleted: n})
	}
	return ru
}

// guardApplies evaluates one guard against the live version of its key
// as seen by the transaction. An absent key compares with every
// numeric field zero and an empty value.
func guardApplies(ctx context.Context, tx *storage.WriteTxn, c kvpb.Compare) bool {
	kv, _ := tx.Get(ctx, c.Key)
	var cmp int
	switch c.Target {
	case kvpb.CompareVersion:
		cmp = compareInt64(kv.Version, c.Version)
	case kvpb.CompareCreate:
		cmp = compareInt64(kv.CreateIndex, c.CreateIndex)
	case kvpb.CompareMod:
		cmp = compareInt64(kv.ModIndex, c.ModIndex)
	case kvpb.CompareValue:
		cmp = bytes.Compare(kv.Value, c.Value)
	}
	switch c.Result {
	case kvpb.CompareEqual:
		return cmp == 0
	case kvpb.CompareGreater:
		return cmp > 0
	case kvpb.CompareLess:
		return cmp < 0
	}
	return false
}

func compareInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// validateTxn rejects malformed transactions before they reach the
// store, so a rejected transaction consumes no global index.
func validateTxn(req *kvpb.TxnRequest) error {
	for _, c := range req.Compare {
		if len(c.Key) == 0 {
			return kvpb.NewInvalidArgumentErrorf("guard key is not provided")
		}
	}
	for _, ops := range [2][]kvpb.RequestUnion{req.Success, req.Failure} {
		for _, op := range ops {
			switch t := op.GetInner().(type) {
			case *kvpb.RangeRequest:
				if err := validateRange(t); err != nil {
					return err
				}
			case *kvpb.PutRequest:
				if len(t.Key) == 0 {
					return kvpb.NewInvalidArgumentErrorf("key is not provided")
				}
			case *kvpb.DeleteRangeRequest:
				if err := validateSpan(t.Key, t.RangeEnd); err != nil {
					return err
				}
			default:
				return kvpb.NewInvalidArgumentErrorf("empty request union")
			}
		}
	}
	return nil
}

// validateAttaches checks both attach lists before the transaction
// runs: keys must be present and every named lease must exist.
func (s *Server) validateAttaches(
	ctx context.Context, lists ...[]kvpb.LeaseAttachRequest,
) error {
	for _, list := range lists {
		for _, a := range list {
			if len(a.Key) == 0 {
				return kvpb.NewInvalidArgumentErrorf("attach key is not provided")
			}
			if _, err := s.leases.TimeToLive(ctx, a.ID, false); err != nil {
				return err
			}
		}
	}
	return nil
}

// attach applies the chosen attach list. The caller must hold applyMu.
// A lease that disappeared since validation makes its keys behave as
// if they were attached and expired immediately: they are deleted with
// EXPIRE events in a follow-up batch. It returns the resulting global
// index.
func (s *Server) attach(
	ctx context.Context, attaches []kvpb.LeaseAttachRequest, index int64,
) int64 {
	var orphaned [][]byte
	for _, a := range attaches {
		if err := s.leases.Attach(ctx, a.ID, a.Key); err != nil {
			log.Warningf(ctx, "attaching %q to lease %d after apply: %v", a.Key, a.ID, err)
			orphaned = append(orphaned, a.Key)
		}
	}
	if len(orphaned) == 0 {
		return index
	}
	tx := s.store.BeginTxn()
	for _, key := range orphaned {
		tx.DeleteRange(ctx, key, nil, kvpb.EventExpire)
	}
	var events []kvpb.Event
	events, index = tx.End(ctx)
	s.watch.Publish(ctx, index, events)
	return index
}
