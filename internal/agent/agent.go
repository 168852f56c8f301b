// Copyright 2025 The ArckFS Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package agent implements the per-socket delegation Agents: pinned
// consumer loops that drain one ring each, resolve the request's
// user-virtual range to memory chunks, and perform the bulk memcpy/memset
// with optional cache writeback. An Agent spins on its ring with a fixed
// budget, reschedules voluntarily, and increments the completion notifier
// only after the request's PM effects are flushed.
package agent

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/arckfs/arckfs/internal/errs"
	"github.com/arckfs/arckfs/internal/logger"
	"github.com/arckfs/arckfs/internal/metrics"
	"github.com/arckfs/arckfs/internal/pmregion"
	"github.com/arckfs/arckfs/internal/ring"
	"golang.org/x/sync/errgroup"
)

// RingCheckCount is the empty-poll budget before an Agent yields,
// roughly a 100 ms spin budget.
const RingCheckCount = 10000

// RequestCheckCount bounds how many requests are served between yield
// points.
const RequestCheckCount = 100

// TaskMax bounds the chunk list one translation may produce.
const TaskMax = 512

// AddressSpace resolves a requesting process's user-virtual range to
// directly addressable memory, merging adjacent pages into chunks. It
// stands in for a page-table walk under the requester's mm; translation
// failure is an IO error that should not occur on the happy path.
type AddressSpace interface {
	Resolve(uaddr, bytes uint64) ([][]byte, error)
}

// Agent is one consumer loop bound to one ring.
type Agent struct {
	Ring     *ring.RecvHandle
	Region   *pmregion.Region
	Space    AddressSpace
	Counters *ring.CounterTable
	Node     int
	Metrics  *metrics.Metrics
}

// Pool runs the configured number of Agents per PM node. Zero threads per
// node disables delegation entirely.
type Pool struct {
	agents []*Agent
	cancel context.CancelFunc
	group  *errgroup.Group
}

// NewPool validates and assembles a pool from per-(node, thread) agents.
func NewPool(agents []*Agent) (*Pool, error) {
	for i, a := range agents {
		if a.Ring == nil || a.Region == nil || a.Counters == nil {
			return nil, fmt.Errorf("%w: agent %d missing ring, region, or counter table", errs.InvalidArgument, i)
		}
	}
	return &Pool{agents: agents}, nil
}

// Start launches every Agent loop. Agents observe cancellation at their
// yield points only, matching the kthread_should_stop checks.
func (p *Pool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	p.group, ctx = errgroup.WithContext(ctx)
	for _, a := range p.agents {
		a := a
		p.group.Go(func() error {
			a.run(ctx)
			return nil
		})
	}
}

// Stop requests every Agent to exit and waits for them.
func (p *Pool) Stop() {
	if p.cancel == nil {
		return
	}
	p.cancel()
	_ = p.group.Wait()
	p.cancel = nil
}

// Size reports the number of agents in the pool.
func (p *Pool) Size() int { return len(p.agents) }

func (a *Agent) run(ctx context.Context) {
	var req ring.Request
	emptyPolls := 0
	served := 0

	for {
		err := a.Ring.Recv(&req)
		if err != nil {
			emptyPolls++
			if emptyPolls >= RingCheckCount {
				if ctx.Err() != nil {
					return
				}
				runtime.Gosched()
				emptyPolls = 0
			}
			continue
		}
		emptyPolls = 0

		start := time.Now()
		a.serve(&req)
		if a.Metrics != nil {
			a.Metrics.AgentRequests.WithLabelValues(req.Type.String()).Inc()
			a.Metrics.AgentDuration.Observe(time.Since(start).Seconds())
		}

		served++
		if served >= RequestCheckCount {
			if ctx.Err() != nil {
				return
			}
			runtime.Gosched()
			served = 0
		}
	}
}

// notifier resolves the completion counter a request designates: the
// counter-table cell for user requests, the request's own pointer for
// Supervisor-issued clears.
func (a *Agent) notifier(req *ring.Request) *ring.Notifier {
	if req.Notify != nil {
		return req.Notify
	}
	return a.Counters.Get(req.NotifyIdx, req.Level, a.Node)
}

// serve performs one request. The notify increment happens strictly after
// the store and writeback, so a Client observing completion may trust
// persistence of the delegated range.
func (a *Agent) serve(req *ring.Request) {
	n := a.notifier(req)
	defer func() {
		if n != nil {
			n.Complete()
		}
	}()

	switch req.Type {
	case ring.Read:
		a.serveRead(req)
	case ring.Write:
		a.serveWrite(req)
	case ring.Clear:
		a.serveClear(req)
	default:
		logger.Errorf("agent: unknown request type %d", req.Type)
	}
}

func (a *Agent) serveRead(req *ring.Request) {
	chunks, err := a.Space.Resolve(req.UAddr, req.Bytes)
	if err != nil {
		logger.Errorf("agent: translate [%#x, +%d) for read: %v", req.UAddr, req.Bytes, err)
		return
	}
	if len(chunks) > TaskMax {
		logger.Errorf("agent: read translation produced %d chunks, max %d", len(chunks), TaskMax)
		return
	}

	src := req.Offset
	for _, c := range chunks {
		if req.Zero {
			for i := range c {
				c[i] = 0
			}
			continue
		}
		copy(c, a.Region.Slice(src, uint64(len(c))))
		src += pmregion.Offset(len(c))
	}
}

func (a *Agent) serveWrite(req *ring.Request) {
	if req.Zero {
		a.Region.Memset(req.Offset, req.Bytes, 0)
		if req.FlushCache {
			a.Region.Clwb(req.Offset, req.Bytes)
		}
		if req.SFence {
			a.Region.Sfence()
		}
		return
	}

	chunks, err := a.Space.Resolve(req.UAddr, req.Bytes)
	if err != nil {
		logger.Errorf("agent: translate [%#x, +%d) for write: %v", req.UAddr, req.Bytes, err)
		return
	}
	if len(chunks) > TaskMax {
		logger.Errorf("agent: write translation produced %d chunks, max %d", len(chunks), TaskMax)
		return
	}

	dst := req.Offset
	for _, c := range chunks {
		copy(a.Region.Slice(dst, uint64(len(c))), c)
		dst += pmregion.Offset(len(c))
	}
	if req.FlushCache {
		a.Region.Clwb(req.Offset, req.Bytes)
	}
	if req.SFence {
		a.Region.Sfence()
	}
}

// serveClear is the Supervisor-side zeroing path: no user address space is
// involved, so translation is skipped entirely.
func (a *Agent) serveClear(req *ring.Request) {
	a.Region.Memset(req.Offset, req.Bytes, 0)
	if req.FlushCache {
		a.Region.Clwb(req.Offset, req.Bytes)
	}
	if req.SFence {
		a.Region.Sfence()
	}
}
