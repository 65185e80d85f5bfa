package payment

import (
	"sync"

	"github.com/vadiminshakov/instainr/internal/api"
)

// awaiter resolves one-shot futures keyed by payment reference.
type awaiter struct {
	mu      sync.Mutex
	waiting map[string]chan api.PaymentPayload
}

func newAwaiter() *awaiter {
	return &awaiter{waiting: make(map[string]chan api.PaymentPayload)}
}

// register returns the channel that receives the payload for reference and
// a cancel func that drops the registration.
func (a *awaiter) register(reference string) (<-chan api.PaymentPayload, func()) {
	ch := make(chan api.PaymentPayload, 1)

	a.mu.Lock()
	a.waiting[reference] = ch
	a.mu.Unlock()

	return ch, func() {
		a.mu.Lock()
		if a.waiting[reference] == ch {
			delete(a.waiting, reference)
		}
		a.mu.Unlock()
	}
}

// resolve delivers p to its waiter at most once. Error payloads often come
// without a reference; they go to the only waiter if there is exactly one.
func (a *awaiter) resolve(p api.PaymentPayload) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	ref := p.Reference
	if ref == "" && len(a.waiting) == 1 {
		for k := range a.waiting {
			ref = k
		}
	}

	ch, ok := a.waiting[ref]
	if !ok {
		return false
	}
	delete(a.waiting, ref)
	ch <- p
	return true
}
