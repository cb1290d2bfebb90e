// Copyright (c) OpenMMLab. All rights reserved.

package tracker

import "memtrace/logger"

// registerForkHandlers is the one-time-per-process step of CreateTracker
// (spec.md §4.G). A real embedding calls fork(2) itself and is
// responsible for invoking BeforeFork/AfterForkParent/AfterForkChild
// around that call (e.g. via the host's pthread_atfork or equivalent);
// Go's own runtime cannot safely fork and continue running (its
// goroutine scheduler and GC are not fork-safe past an immediate exec),
// so this core only exposes the pure state transitions below and never
// calls fork() itself.
func registerForkHandlers() {
	logger.Logger.Debug("memtrace: fork handlers ready for host registration")
}

// BeforeFork is the pre-fork handler: mark the calling thread in_tracker
// so tracking is suppressed for the duration of the fork syscall itself.
func (t *Tracker) BeforeFork(tid int64) {
	st := t.threads.getOrCreate(tid)
	st.inTracker = true
}

// AfterForkParent is the post-fork parent handler: clear in_tracker on
// the calling thread.
func (t *Tracker) AfterForkParent(tid int64) {
	if st := t.threads.get(tid); st != nil {
		st.inTracker = false
	}
}

// AfterForkChild is the post-fork child handler (spec.md §4.G). t is the
// tracker inherited by copy-on-write from the parent; it is always
// abandoned here without a Destroy, since its background sampler
// goroutine no longer exists in the child and its mutexes may be held by
// threads that do not exist either.
//
// The calling thread's shadow stack survives the fork (it is just
// process memory, duplicated along with everything else), so its frames
// are kept but marked unemitted: the child's first allocation re-emits
// the whole surviving stack against the new writer (spec.md §8 scenario
// 6). If the inherited tracker was active and configured to follow
// fork, a fresh tracker is constructed around a cloned writer and
// returned; otherwise tracking is left disabled in the child.
func (t *Tracker) AfterForkChild(tid int64, currentFrame HostFrame) (*Tracker, error) {
	t.stack.resetInChild(tid)
	survived := t.threads.get(tid)
	release := func() {
		if survived != nil {
			survived.inTracker = false
		}
	}

	if !(t.active.Load() && t.cfg.FollowFork) {
		observer.Store(nil)
		release()
		return nil, nil
	}

	clonedWriter, err := t.w.Clone()
	if err != nil {
		observer.Store(nil)
		release()
		return nil, nil
	}

	next, err := CreateTracker(clonedWriter, t.cfg, tid, currentFrame)
	if err != nil {
		observer.Store(nil)
		release()
		return nil, err
	}

	release()
	if survived != nil {
		next.threads.adopt(tid, survived)
	}
	return next, nil
}

// adopt installs an existing threadState under tid, replacing whatever
// InstallHook created during CreateTracker. Used only to carry a shadow
// stack across a followed fork.
func (r *threadRegistry) adopt(tid int64, st *threadState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.m[tid] = st
}
