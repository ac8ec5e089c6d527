//
// Copyright (c) 2014-2019 Cesanta Software Limited
// All rights reserved
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
//

package flash

import (
	"io"
	"sync"
)

// Guard serializes access to a Device shared between the updater and any
// other flash user. The hardware cannot service concurrent transactions, so
// every discrete call takes the one exclusive lock; the lock is never held
// across a network wait.
type Guard struct {
	mu  sync.Mutex
	dev Device
}

func NewGuard(dev Device) *Guard {
	return &Guard{dev: dev}
}

func (g *Guard) Size() uint32 {
	return g.dev.Size()
}

func (g *Guard) EraseSector(addr uint32) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.dev.EraseSector(addr)
}

func (g *Guard) Write(addr uint32, p []byte) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.dev.Write(addr, p)
}

func (g *Guard) Read(addr uint32, p []byte) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.dev.Read(addr, p)
}

// WithDecodedView holds the lock for the whole scope of fn. Verification
// reads are local flash traffic only, so this does not pin the lock across
// any transport wait.
func (g *Guard) WithDecodedView(addr, length uint32, fn func(r io.ReaderAt) error) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.dev.WithDecodedView(addr, length, fn)
}

// Exclusive runs fn with the lock held, passing the raw device. Used for
// sequences that must be atomic with respect to other flash users, such as
// the final signature write plus active-index flip.
func (g *Guard) Exclusive(fn func(d Device) error) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return fn(g.dev)
}
