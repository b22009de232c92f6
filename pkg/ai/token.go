package ai

import (
	"errors"
	"sync"
	"time"

	"github.com/pkoukk/tiktoken-go"
)

// ErrEncodingUnavailable is returned while the BPE ranks are still loading.
var ErrEncodingUnavailable = errors.New("ai: token encoding not loaded")

// loadWait bounds how long a caller waits for an encoding. The first lookup
// of a model downloads its BPE file over plain http.Get, which has no timeout.
var loadWait = 5 * time.Second

// loadEncoding is swapped in tests. Guarded by encMu, like loadWait.
var loadEncoding = func(model string) (*tiktoken.Tiktoken, error) {
	// 1. Get the encoding for the model (e.g., gpt-4 uses 'cl100k_base')
	tkm, err := tiktoken.EncodingForModel(model)
	if err != nil {
		// Fallback to cl100k_base if model is unknown
		return tiktoken.GetEncoding("cl100k_base")
	}
	return tkm, nil
}

// encLoad is one model's load. Its result, failure included, is kept for
// the life of the process.
type encLoad struct {
	done chan struct{}
	tkm  *tiktoken.Tiktoken
	err  error
}

var (
	encMu    sync.Mutex
	encLoads = map[string]*encLoad{}
)

func encodingFor(model string) (*tiktoken.Tiktoken, error) {
	encMu.Lock()
	wait := loadWait
	l, ok := encLoads[model]
	if !ok {
		l = &encLoad{done: make(chan struct{})}
		encLoads[model] = l
		load := loadEncoding
		go func() {
			defer close(l.done)
			l.tkm, l.err = load(model)
		}()
	}
	encMu.Unlock()

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-l.done:
		return l.tkm, l.err
	case <-timer.C:
		return nil, ErrEncodingUnavailable
	}
}

// CountTokens returns the number of tokens in a string for a specific model.
func CountTokens(model string, text string) (int, error) {
	tkm, err := encodingFor(model)
	if err != nil {
		return 0, err
	}
	// 2. Encode and count
	tokenIds := tkm.Encode(text, nil, nil)
	return len(tokenIds), nil
}

// EstimateTokens counts prompt and completion together, the way providers
// report total_tokens.
func EstimateTokens(model, prompt, completion string) (int, error) {
	p, err := CountTokens(model, prompt)
	if err != nil {
		return 0, err
	}
	c, err := CountTokens(model, completion)
	if err != nil {
		return 0, err
	}
	return p + c, nil
}

// EstimateCost prices tokens at pricePer1k dollars per thousand.
func EstimateCost(tokens int, pricePer1k float64) float64 {
	if tokens <= 0 || pricePer1k <= 0 {
		return 0
	}
	return (float64(tokens) / 1000.0) * pricePer1k
}
