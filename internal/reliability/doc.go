// Package reliability retries operations that fail while a broker is not
// yet reachable, such as opening a connector during a RabbitMQ restart.
//
// Example usage:
//
//	policy := reliability.NewExponentialBackoff(200*time.Millisecond, 5*time.Second, 2.0, 4)
//	err := reliability.Retry(ctx, policy, func(attempt int) error {
//	    return connect()
//	})
package reliability
