// Package authn is the per-request authentication decision engine.
//
// A Coordinator authenticates one request in two phases. The peer phase
// evaluates the policy's peer methods in order and stops at the first
// success. The origin phase selects the first credential rule matching the
// resolved peer user and evaluates that rule's origin methods the same way.
// The caller is told the outcome exactly once through the callback given
// to Run.
//
//	engine := authn.NewEngine(pol, validator.Set{
//	    X509: validator.NewX509Validator(),
//	    JWT:  validator.NewJWTValidator(cache),
//	}, authn.WithLogger(logger))
//
//	coord := engine.NewCoordinator()
//	coord.Run(ctx, req, func(ok bool) {
//	    if !ok {
//	        // reject with 401
//	    }
//	    result := coord.Result()
//	    _ = result.Principal
//	})
//
// Validators may complete synchronously or from another goroutine. Methods
// of one request never run concurrently, and a cancelled Coordinator never
// invokes its callback.
package authn
