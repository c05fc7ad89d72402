// Package reliability holds the retry policies used when a broker
// connection cannot be opened.
//
//	policy := NewExponentialBackoff(100*time.Millisecond, 5*time.Second, 2.0, 4)
//	err := Retry(ctx, policy, func() error {
//	    return dial()
//	})
package reliability
