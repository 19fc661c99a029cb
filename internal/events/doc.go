// Package events carries plugin lifecycle events from the admin paths to
// asynchronous sinks.
//
// Publishing never blocks an admin request: the Hub owns one buffered
// channel and a single consumer goroutine fans each event out to the
// configured sinks. A full buffer drops the event and logs a warning.
//
//	hub := events.NewHub(events.Config{BufferSize: 64}, logger, events.NewLogSink(logger))
//	go hub.Run(ctx)
//	defer hub.Close()
//
//	hub.Publish(events.New(events.PluginActivated, "crm", "admin"))
package events
