package dispatch

import "sync"

// Completion is a single-fulfillment result slot. The first Resolve or Reject
// wins; later calls are ignored and report false.
type Completion struct {
	once      sync.Once
	done      chan struct{}
	reference string
	err       error
}

// NewCompletion creates an unsettled completion
func NewCompletion() *Completion {
	return &Completion{done: make(chan struct{})}
}

// Resolve settles the completion with a published reference
func (c *Completion) Resolve(reference string) bool {
	return c.settle(reference, nil)
}

// Reject settles the completion with a failure
func (c *Completion) Reject(err error) bool {
	return c.settle("", err)
}

func (c *Completion) settle(reference string, err error) bool {
	settled := false
	c.once.Do(func() {
		c.reference = reference
		c.err = err
		settled = true
		close(c.done)
	})
	return settled
}

// Done is closed once the completion is settled
func (c *Completion) Done() <-chan struct{} {
	return c.done
}

// Result returns the settled value. It must only be called after Done is closed.
func (c *Completion) Result() (string, error) {
	return c.reference, c.err
}
