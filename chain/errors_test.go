package chain

import (
	"errors"
	"testing"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"nil stays nil", nil, nil},
		{"infura result cap", errors.New("query returned more than 10000 results"), ErrRangeTooLarge},
		{"alchemy response size", errors.New("Log response size exceeded"), ErrRangeTooLarge},
		{"generic too many results", errors.New("too many results, try a smaller range"), ErrRangeTooLarge},
		{"explicit range too large", errors.New("block range is too large"), ErrRangeTooLarge},
		{"query timeout", errors.New("query timeout exceeded"), ErrRangeTooLarge},
		{"http 429", errors.New("429 Too Many Requests"), ErrRateLimited},
		{"rate limit text", errors.New("your app has exceeded its compute units rate limit"), ErrRateLimited},
		{"capacity exceeded", errors.New("capacity exceeded"), ErrRateLimited},
		{"daily quota", errors.New("daily request count exceeded, request rate limited"), ErrRateLimited},
		{"plain transient", errors.New("connection reset by peer"), nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classify(tt.err)
			switch {
			case tt.err == nil:
				if got != nil {
					t.Errorf("classify(nil) = %v", got)
				}
			case tt.want == nil:
				if errors.Is(got, ErrRangeTooLarge) || errors.Is(got, ErrRateLimited) {
					t.Errorf("classify(%v) = %v, want unclassified", tt.err, got)
				}
				if got == nil {
					t.Errorf("classify(%v) swallowed the error", tt.err)
				}
			default:
				if !errors.Is(got, tt.want) {
					t.Errorf("classify(%v) = %v, want %v", tt.err, got, tt.want)
				}
			}
		})
	}
}
