package thread

import "sync"

// Cursor tracks the last message a writer has observed on a thread. The
// generation loop and the sampling bridge share one cursor per turn so each
// guarded write is checked against the tail the other one produced.
type Cursor struct {
	mu  sync.Mutex
	ref MessageRef
}

func NewCursor(ref MessageRef) *Cursor {
	return &Cursor{ref: ref}
}

func (c *Cursor) Get() MessageRef {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ref
}

func (c *Cursor) Set(ref MessageRef) {
	c.mu.Lock()
	c.ref = ref
	c.mu.Unlock()
}

// Delta is one increment emitted to a streaming consumer
type Delta struct {
	Message       *Message        `json:"responseMessageDto"`
	Stage         GenerationStage `json:"generationStage"`
	StatusMessage string          `json:"statusMessage,omitempty"`
}
