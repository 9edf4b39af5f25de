package render

import (
	"sync"

	"github.com/chromedp/cdproto/cdp"
)

type lifecycleKey struct {
	frame  cdp.FrameID
	loader cdp.LoaderID
}

// idleWatcher waits for networkAlmostIdle from one navigation. Lifecycle
// events can arrive before the navigation reports its ids, so every idle
// event is remembered until the target is known. Events from other frames or
// earlier loaders (the initial about:blank) never release the wait.
type idleWatcher struct {
	mu     sync.Mutex
	seen   map[lifecycleKey]bool
	target *lifecycleKey
	once   sync.Once
	idle   chan struct{}
}

func newIdleWatcher() *idleWatcher {
	return &idleWatcher{
		seen: make(map[lifecycleKey]bool),
		idle: make(chan struct{}),
	}
}

// observe records a networkAlmostIdle event
func (w *idleWatcher) observe(frame cdp.FrameID, loader cdp.LoaderID) {
	key := lifecycleKey{frame: frame, loader: loader}

	w.mu.Lock()
	w.seen[key] = true
	match := w.target != nil && *w.target == key
	w.mu.Unlock()

	if match {
		w.release()
	}
}

// expect sets the navigation to wait for
func (w *idleWatcher) expect(frame cdp.FrameID, loader cdp.LoaderID) {
	key := lifecycleKey{frame: frame, loader: loader}

	w.mu.Lock()
	w.target = &key
	already := w.seen[key]
	w.mu.Unlock()

	if already {
		w.release()
	}
}

func (w *idleWatcher) release() {
	w.once.Do(func() { close(w.idle) })
}

// done is closed once the expected navigation is idle
func (w *idleWatcher) done() <-chan struct{} {
	return w.idle
}
