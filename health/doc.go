// Package health tracks the health of the server's components and serves
// the aggregate at /healthz.
//
// A component is healthy, degraded (working with reduced function, such as
// the catalog while NATS reconnects) or unhealthy. The aggregate takes the
// worst sub-status.
//
// Components either push statuses with Update or register a Check that the
// monitor polls:
//
//	monitor := health.NewMonitor()
//	monitor.Register("store", health.ErrorCheck("store", store.Ping))
//	monitor.OnUpdate(func(st health.Status) {
//	    registry.CoreMetrics().RecordHealth(st.Component, st.Level())
//	})
//	go monitor.Run(ctx, "pointstream", 15*time.Second)
//	mux.Handle("/healthz", monitor.Handler("pointstream"))
//
// Error text reported through FromError has URLs, IP addresses, ports,
// file paths and credentials replaced, since /healthz is unauthenticated.
package health
