// Copyright 2018 The gVisor Authors.
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

package workload

import (
	"context"
	"fmt"
	"time"

	"gvisor.dev/kfutex/pkg/atomicbitops"
	"gvisor.dev/kfutex/pkg/sentry/kernel"
)

// BarrierOptions configures Barrier.
type BarrierOptions struct {
	Tasks  int
	Rounds int

	// Processes runs each task in its own address space. The Env must use
	// shared futexes.
	Processes bool
}

// BarrierResult is the outcome of Barrier.
type BarrierResult struct {
	Tasks      int           `json:"tasks" yaml:"tasks"`
	Rounds     int           `json:"rounds" yaml:"rounds"`
	Generation uint32        `json:"generation" yaml:"generation"`
	Waits      uint64        `json:"waits" yaml:"waits"`
	Elapsed    time.Duration `json:"elapsed_ns" yaml:"elapsed_ns"`
}

// Barrier runs opts.Rounds rounds of a barrier over opts.Tasks tasks. The last
// task to arrive in each round advances the generation and releases the rest
// with Broadcast.
func Barrier(ctx context.Context, e *Env, opts BarrierOptions) (BarrierResult, error) {
	res := BarrierResult{Tasks: opts.Tasks, Rounds: opts.Rounds}
	if opts.Processes && e.Private() {
		return res, fmt.Errorf("processes require shared futexes")
	}
	m, err := NewMutex(e)
	if err != nil {
		return res, err
	}
	c, err := NewCond(e, m)
	if err != nil {
		return res, err
	}
	count, err := e.Alloc(4)
	if err != nil {
		return res, err
	}
	gen, err := e.Alloc(4)
	if err != nil {
		return res, err
	}
	tasks, err := e.Spawn("barrier", opts.Tasks, opts.Processes)
	if err != nil {
		return res, err
	}

	var waits atomicbitops.Uint64
	arrive := func(t *kernel.Task) error {
		g, err := t.LoadUint32(gen)
		if err != nil {
			return err
		}
		n, err := t.LoadUint32(count)
		if err != nil {
			return err
		}
		n++
		if n == uint32(opts.Tasks) {
			if _, err := t.SwapUint32(count, 0); err != nil {
				return err
			}
			if _, err := t.SwapUint32(gen, g+1); err != nil {
				return err
			}
			return c.Broadcast(t)
		}
		if _, err := t.SwapUint32(count, n); err != nil {
			return err
		}
		for {
			cur, err := t.LoadUint32(gen)
			if err != nil {
				return err
			}
			if cur != g {
				return nil
			}
			if err := c.Wait(t); err != nil {
				return err
			}
			waits.Add(1)
		}
	}

	start := time.Now()
	err = Run(ctx, tasks, func(ctx context.Context, _ int, t *kernel.Task) error {
		for r := 0; r < opts.Rounds; r++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := m.Lock(t); err != nil {
				return err
			}
			if err := arrive(t); err != nil {
				return err
			}
			if err := m.Unlock(t); err != nil {
				return err
			}
		}
		return nil
	})
	res.Elapsed = elapsed("barrier", start)
	res.Waits = waits.Load()
	if err != nil {
		return res, err
	}
	if res.Generation, err = e.init.LoadUint32(gen); err != nil {
		return res, err
	}
	if res.Generation != uint32(opts.Rounds) {
		return res, fmt.Errorf("barrier reached generation %d, want %d", res.Generation, opts.Rounds)
	}
	return res, nil
}

// QueueOptions configures Queue.
type QueueOptions struct {
	Consumers int
	Items     int
}

// QueueResult is the outcome of Queue.
type QueueResult struct {
	Consumers int           `json:"consumers" yaml:"consumers"`
	Items     int           `json:"items" yaml:"items"`
	Consumed  uint64        `json:"consumed" yaml:"consumed"`
	Waits     uint64        `json:"waits" yaml:"waits"`
	Elapsed   time.Duration `json:"elapsed_ns" yaml:"elapsed_ns"`
}

// Queue has one producer hand opts.Items items to opts.Consumers consumers,
// announcing each with Signal and the end of input with Broadcast. Every item
// must be consumed exactly once.
func Queue(ctx context.Context, e *Env, opts QueueOptions) (QueueResult, error) {
	res := QueueResult{Consumers: opts.Consumers, Items: opts.Items}
	m, err := NewMutex(e)
	if err != nil {
		return res, err
	}
	c, err := NewCond(e, m)
	if err != nil {
		return res, err
	}
	avail, err := e.Alloc(4)
	if err != nil {
		return res, err
	}
	done, err := e.Alloc(4)
	if err != nil {
		return res, err
	}
	tasks, err := e.Spawn("queue", opts.Consumers+1, false)
	if err != nil {
		return res, err
	}

	var consumed, waits atomicbitops.Uint64
	produce := func(t *kernel.Task) error {
		for i := 0; i < opts.Items; i++ {
			if err := m.Lock(t); err != nil {
				return err
			}
			if err := increment(t, avail); err != nil {
				return err
			}
			if err := m.Unlock(t); err != nil {
				return err
			}
			if err := c.Signal(t); err != nil {
				return err
			}
		}
		if err := m.Lock(t); err != nil {
			return err
		}
		if _, err := t.SwapUint32(done, 1); err != nil {
			return err
		}
		if err := c.Broadcast(t); err != nil {
			return err
		}
		return m.Unlock(t)
	}
	// take removes one item, or returns false once the producer is done and
	// nothing is left. t holds m.
	take := func(t *kernel.Task) (bool, error) {
		for {
			n, err := t.LoadUint32(avail)
			if err != nil {
				return false, err
			}
			if n > 0 {
				_, err := t.SwapUint32(avail, n-1)
				return err == nil, err
			}
			fin, err := t.LoadUint32(done)
			if err != nil {
				return false, err
			}
			if fin != 0 {
				return false, nil
			}
			if err := c.Wait(t); err != nil {
				return false, err
			}
			waits.Add(1)
		}
	}
	consume := func(t *kernel.Task) error {
		for {
			if err := m.Lock(t); err != nil {
				return err
			}
			ok, err := take(t)
			if err != nil {
				return err
			}
			if err := m.Unlock(t); err != nil {
				return err
			}
			if !ok {
				return nil
			}
			consumed.Add(1)
		}
	}

	start := time.Now()
	err = Run(ctx, tasks, func(_ context.Context, i int, t *kernel.Task) error {
		if i == 0 {
			return produce(t)
		}
		return consume(t)
	})
	res.Elapsed = elapsed("queue", start)
	res.Consumed = consumed.Load()
	res.Waits = waits.Load()
	if err != nil {
		return res, err
	}
	if res.Consumed != uint64(opts.Items) {
		return res, fmt.Errorf("consumed %d items, want %d", res.Consumed, opts.Items)
	}
	if left, err := e.init.LoadUint32(avail); err != nil {
		return res, err
	} else if left != 0 {
		return res, fmt.Errorf("%d items left in queue", left)
	}
	return res, nil
}

