// Package middleware provides ready made interceptors for a sqsjobs.MiddlewareStack.
//
// Interceptors registered first wrap the ones registered later:
//
//	stack := sqsjobs.NewMiddlewareStack()
//	stack.Use(middleware.NewLogging(logger))
//	stack.Use(middleware.NoEndlessRetry(logger))
//	stack.Use(middleware.Recover(logger))
//	stack.Use(middleware.NewDeduplicate(store, logger))
//
// runs a job as logging → no-endless-retry → recover → deduplicate → job.
//
// An interceptor that returns nil without calling next makes the worker
// acknowledge the message as if the job had run.
package middleware
