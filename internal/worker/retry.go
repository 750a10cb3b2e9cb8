package worker

// retryQueue holds returned payloads until the next publish cycle. It is
// only touched from the event loop.
type retryQueue struct {
	items [][]byte
}

func (q *retryQueue) push(payload []byte) {
	q.items = append(q.items, payload)
}

func (q *retryQueue) pop() ([]byte, bool) {
	if len(q.items) == 0 {
		return nil, false
	}
	payload := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return payload, true
}

func (q *retryQueue) len() int {
	return len(q.items)
}
