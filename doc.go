// Package easyrabbit provides blocking RabbitMQ readers and writers.
//
// Each Reader or Writer runs a worker goroutine that owns the AMQP
// connection and an event loop. The worker declares the topology, raises a
// readiness flag once it is in place, and then moves message bodies between
// the broker and an in-process buffer the caller reads from or writes to.
//
//	err := easyrabbit.WithWriter(ctx, url, "events", "orders", func(w *easyrabbit.Writer) error {
//		return w.PutAll([]byte("hello"), []byte("world"))
//	})
//
//	r, err := easyrabbit.OpenReader(ctx, url, "events", "orders-queue", "orders",
//		easyrabbit.WithReadyTimeout(5*time.Second))
//	if err != nil {
//		return err
//	}
//	defer r.Close()
//	for body := range r.Messages(ctx) {
//		fmt.Println(string(body))
//	}
package easyrabbit
