// Copyright 2025 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package main

import (
	"context"
	"time"

	"github.com/eyakubovich/etcd/pkg/kvserver"
	"github.com/eyakubovich/etcd/pkg/util/log"
	"github.com/eyakubovich/etcd/pkg/util/metric"
	"github.com/eyakubovich/etcd/pkg/util/stop"
)

// core bundles an in-process server with its stopper and metric
// registry. Both subcommands build one and tear it down on exit.
type core struct {
	srv      *kvserver.Server
	registry *metric.Registry
	stopper  *stop.Stopper
}

// startCore assembles and starts an embedded core. The caller owns the
// stopper and must Stop it when done.
func startCore(minLeaseTTL time.Duration) (*core, error) {
	stopper := stop.NewStopper()
	registry := metric.NewRegistry()
	srv := kvserver.NewServer(kvserver.Config{
		AmbientContext: log.MakeAmbientContext("etcd-core", nil),
		Stopper:        stopper,
		Registry:       registry,
		MinLeaseTTL:    minLeaseTTL,
	})
	if err := srv.Start(); err != nil {
		stopper.Stop(context.Background())
		return nil, err
	}
	return &core{srv: srv, registry: registry, stopper: stopper}, nil
}

func (c *core) stop(ctx context.Context) {
	c.stopper.Stop(ctx)
}
