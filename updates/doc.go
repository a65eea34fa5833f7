// Copyright (c) 2024-2026 The fuzzyd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

/*
Package updates funnels storage mutations to the single worker allowed to
write.

Only the leader worker talks to the backend.  Followers serialize each
accepted mutation as one fixed-size datagram over a socket pair shared with
the leader, which decodes them back into pending updates.  The leader queue
flushes periodically: the batch is swapped out and applied atomically, and a
failed batch is prepended back in order until the failure budget is spent,
after which it is dropped.
*/
package updates
