// Package geodispatch runs long geoprocessing jobs out of band and keeps
// concurrent jobs from corrupting shared geodata. Jobs are queued in Redis,
// executed by worker processes that take expiring advisory locks on the
// location or mapset they touch, and tracked in status records any process
// can poll.
//
// # Embedding
//
// A Service wires the store, lock manager, queue, status tracker, runner
// and dispatcher from a Config:
//
//	svc, err := geodispatch.NewService(ctx, geodispatch.Config{
//	    StoreURL:      "redis://127.0.0.1:6379/0",
//	    GrassDatabase: "/actinia/grassdb",
//	}, geodispatch.WithLogger(logger))
//	if err != nil { return err }
//	defer svc.Close()
//	go svc.RunWorker(ctx)
//
//	out, err := svc.Dispatcher().SubmitAndWait(ctx, "default", core.Descriptor{
//	    Processor: "mapset.list",
//	    Target:    core.MustPath("nc_spm_08"),
//	    Principal: "alice",
//	}, time.Minute)
//
// Every job moves through accepted, running and one of finished, error or
// timeout. A waiter that gives up writes timeout; what a late worker does
// to that record is decided by Config.TimeoutPolicy.
//
// # Locks
//
// Locks are single Redis keys created with SET NX PX, so a crashed holder
// blocks a namespace for at most one TTL. Workers refresh their locks while
// a job runs and release them before writing the terminal state. Mapset
// administrative locks share the same keys and block job writers until
// released.
//
// # Command line
//
// The geodispatch binary runs workers (`geodispatch worker`), the HTTP
// surface (`geodispatch serve`) and client commands for submitting jobs
// and inspecting jobs and locks.
package geodispatch
