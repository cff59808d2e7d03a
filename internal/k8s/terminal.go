package k8s

import (
	"sync"

	"k8s.io/client-go/tools/remotecommand"
)

// SizeQueue feeds terminal resize events from a shell client into a
// remotecommand stream. It implements remotecommand.TerminalSizeQueue.
type SizeQueue struct {
	resizeChan chan remotecommand.TerminalSize
	closeOnce  sync.Once
}

func NewSizeQueue() *SizeQueue {
	return &SizeQueue{
		resizeChan: make(chan remotecommand.TerminalSize, 1),
	}
}

// Next blocks until a resize event arrives. It returns nil once the queue is
// closed, which tells the stream the session ended.
func (sq *SizeQueue) Next() *remotecommand.TerminalSize {
	size, ok := <-sq.resizeChan
	if !ok {
		return nil
	}
	return &size
}

// Push enqueues a resize without blocking. Only the latest size matters, so a
// full queue drops the stale event in favor of the new one.
func (sq *SizeQueue) Push(width, height uint16) {
	size := remotecommand.TerminalSize{Width: width, Height: height}
	for {
		select {
		case sq.resizeChan <- size:
			return
		default:
		}
		select {
		case <-sq.resizeChan:
		default:
		}
	}
}

// Close is safe to call more than once; shutdown paths race with session
// teardown.
func (sq *SizeQueue) Close() {
	sq.closeOnce.Do(func() {
		close(sq.resizeChan)
	})
}
