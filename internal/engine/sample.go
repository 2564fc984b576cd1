package engine

import "context"

// Sampler returns a synthetic workload in which every shard draws n values
// from its RNG. It exercises the threading and seeding of a session without
// a real model.
func Sampler(n int) IterationFunc {
	return func(ctx context.Context, it Iteration) error {
		for i := 0; i < n; i++ {
			if i%1024 == 0 {
				if err := ctx.Err(); err != nil {
					return err
				}
			}
			it.RNG.Float64()
		}
		return nil
	}
}
