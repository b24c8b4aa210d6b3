// Package hare is a client-side session engine for AMQP 0-9-1 brokers.
//
// A Consumer binds one auto-named queue per (exchange, routing key)
// subscription and hands deliveries to callbacks. A Producer queues outbound
// messages and publishes them strictly in order, declaring exchanges on
// demand. Each engine owns one broker connection and one background worker
// that reconnects, rebinds and redeclares after a server failure.
//
// Delivery is at-most-once: messages queued while a connection breaks are
// dropped, and nothing is acknowledged or redelivered.
//
//	consumer := hare.NewConsumer(hare.WithLogger(logger))
//	if err := consumer.Initialize("localhost", 5672, "guest", "guest"); err != nil {
//		return err
//	}
//	consumer.Subscribe("logs", "error", func(msg contracts.Message) {
//		fmt.Println(msg.String())
//	})
//	consumer.Start()
//	defer consumer.Stop()
package hare
