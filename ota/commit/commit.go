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

// Package commit finalizes or rolls back an update attempt. Writing the
// withheld signature is the single point at which the new image becomes
// recognizable as complete; the active-index flip happens in the same
// exclusive flash scope and never precedes it.
package commit

import (
	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/amebaz-tools/otau/ota/bank"
	"github.com/amebaz-tools/otau/ota/flash"
)

// ErrCommit reports a failed signature write or index flip.
var ErrCommit = errors.New("commit failed")

// Commit writes the withheld signature to the first bytes of the new image
// and persists the target bank as active, both under one exclusive flash
// scope. If the signature write fails the index is never flipped.
func Commit(dev *flash.Guard, st *bank.Store, addr uint32, sig []byte, target bank.Index) error {
	err := dev.Exclusive(func(d flash.Device) error {
		if err := d.Write(addr, sig); err != nil {
			return errors.Annotatef(err, "writing signature @ 0x%x", addr)
		}
		return errors.Trace(st.SetActiveIndex(d, target))
	})
	if err != nil {
		return errors.Annotatef(ErrCommit, "%v", err)
	}
	glog.Infof("committed %s @ 0x%x", target, addr)
	return nil
}

// Rollback makes a failed image impossible to mistake for a valid one by
// erasing just the first sector of the target region; the rest of the
// unverified payload is harmless without a complete signature.
func Rollback(dev *flash.Guard, addr uint32) error {
	glog.Warningf("rolling back image @ 0x%x", addr)
	return errors.Trace(dev.EraseSector(addr))
}
