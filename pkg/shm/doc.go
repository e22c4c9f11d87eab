// Package shm shares flat byte buffers between processes through
// kernel-backed shared memory.
//
// A Region wraps one allocation. The producer creates and maps it, writes
// into it and shares it to the consumer, which attaches the transferred
// handle and maps its own view:
//
//	r := shm.NewRegion(shm.Config{})
//	if err := r.Create(ctx, "", shm.ReadWrite, false, 4096); err != nil {
//		return err
//	}
//	_ = r.Map(0)
//	copy(r.Bytes(), payload)
//	h, err := r.ShareToProcess(ctx, peer, true)
//	// ship h over the control channel; in the peer:
//	c := shm.NewRegion(shm.Config{})
//	err = c.Attach(ctx, h, shm.ReadOnly)
//
// Named regions live under Config.Dir as "<namespace>.<name>" and are
// reached with Open instead of being shared. Nothing orders the writer's
// stores against the reader's loads; callers signal readiness over their own
// channel after writing.
package shm
