// Copyright 2017 The Memory Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package memory

// trace gates the allocator's diagnostic stderr logging. It's off by
// default; flip it locally when chasing a bug in the free-list or boundary
// bookkeeping. Never read on the allocation hot path's control flow.
const trace = false
