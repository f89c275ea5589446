package inference

import (
	"context"
	"fmt"

	"github.com/samcharles93/cinder/internal/kvcache"
	"github.com/samcharles93/cinder/internal/logits"
	"github.com/samcharles93/cinder/internal/model"
	"github.com/samcharles93/cinder/internal/tokenizer"
)

func safeForward(ctx context.Context, m model.Model, ids []int, caches *kvcache.Set) (vec []float32, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic in Forward: %v", rec)
		}
	}()
	return m.Forward(ctx, ids, caches)
}

func safeSample(s *logits.Sampler, vec []float32, history []int) (id int, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic in Sample: %v", rec)
		}
	}()
	return s.Sample(vec, history)
}

func safeEncode(tok tokenizer.Tokenizer, prompt string) (ids []int, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic in Encode: %v", rec)
		}
	}()
	return tok.Encode(prompt)
}
