// Package engine assembles the Conveyor job system and provides the
// primary application-level API for registering processors and
// enqueuing work.
//
// # Building a Service
//
//	svc, err := engine.New(store,
//	    engine.WithLogger(logger),
//	    engine.WithQueue(queue.Config{Name: "email", Concurrency: 8}),
//	    engine.WithQueue(queue.Config{Name: "video", Concurrency: 2, RateLimit: 5}),
//	    engine.WithExtension(myExtension),
//	    engine.WithMiddleware(middleware.Timeout(time.Minute)),
//	)
//
// # Registering Processors
//
//	engine.RegisterProcessor(svc, job.NewDefinition("email",
//	    func(ctx context.Context, p EmailPayload, progress job.ProgressFunc) (any, error) {
//	        return send(ctx, p)
//	    }))
//
// # Enqueuing Jobs
//
//	engine.Enqueue(ctx, svc, "email", EmailPayload{To: "user@example.com"},
//	    job.WithPriority(5),
//	    job.WithDelay(time.Minute),
//	)
//
// # Lifecycle
//
//	svc.Start(ctx)
//	defer svc.Stop(ctx)
//
// Start launches one worker pool and one stalled-job reaper per
// declared queue; Stop drains in-flight jobs within the configured
// shutdown timeout.
package engine
