package browser

import (
	"context"
	"fmt"
	"sync"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/page"
)

// networkAlmostIdle is Chrome's lifecycle event for "no more than two
// connections for 500ms".
const networkAlmostIdle = "networkAlmostIdle"

// idleWaiter records networkAlmostIdle per loader so a navigation can wait
// for its own document to settle even if the event raced ahead of the
// Page.navigate reply.
type idleWaiter struct {
	mu     sync.Mutex
	seen   map[cdp.LoaderID]struct{}
	notify chan struct{}
}

func newIdleWaiter() *idleWaiter {
	return &idleWaiter{
		seen:   make(map[cdp.LoaderID]struct{}),
		notify: make(chan struct{}, 1),
	}
}

func (w *idleWaiter) observe(ev *page.EventLifecycleEvent) {
	if ev == nil || ev.Name != networkAlmostIdle {
		return
	}
	w.mu.Lock()
	w.seen[ev.LoaderID] = struct{}{}
	w.mu.Unlock()
	select {
	case w.notify <- struct{}{}:
	default:
	}
}

func (w *idleWaiter) reset() {
	w.mu.Lock()
	clear(w.seen)
	w.mu.Unlock()
	select {
	case <-w.notify:
	default:
	}
}

func (w *idleWaiter) idle(loaderID cdp.LoaderID) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.seen[loaderID]
	return ok
}

// wait returns once loaderID has gone idle. Same-document navigations have
// no loader and return immediately.
func (w *idleWaiter) wait(ctx context.Context, loaderID cdp.LoaderID) error {
	if loaderID == "" {
		return nil
	}
	for {
		if w.idle(loaderID) {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("wait for network idle: %w", ctx.Err())
		case <-w.notify:
		}
	}
}
