package session

import "io"

// BudgetReader reads from an underlying reader until an optional byte budget
// is spent, after which it reports io.EOF. Unlike io.LimitedReader it keeps
// the unlimited case distinct, so a caller can tell "peer finished" apart
// from "budget ran out".
type BudgetReader struct {
	r         io.Reader
	remaining int64
	limited   bool
	consumed  int64
}

// NewBudgetReader wraps r. A limit <= 0 means no budget.
func NewBudgetReader(r io.Reader, limit int64) *BudgetReader {
	return &BudgetReader{r: r, remaining: limit, limited: limit > 0}
}

// Remaining returns the unread budget. limited is false when no budget
// applies, in which case n is meaningless.
func (b *BudgetReader) Remaining() (n int64, limited bool) {
	return b.remaining, b.limited
}

// Consumed returns the number of bytes read so far.
func (b *BudgetReader) Consumed() int64 {
	return b.consumed
}

// Exhausted reports whether a budget applies and has been spent.
func (b *BudgetReader) Exhausted() bool {
	return b.limited && b.remaining <= 0
}

func (b *BudgetReader) Read(p []byte) (int, error) {
	if !b.limited {
		n, err := b.r.Read(p)
		b.consumed += int64(n)
		return n, err
	}
	if b.remaining <= 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > b.remaining {
		p = p[:b.remaining]
	}
	n, err := b.r.Read(p)
	b.remaining -= int64(n)
	b.consumed += int64(n)
	return n, err
}
