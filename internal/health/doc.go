// Package health provides composable probes and the HTTP handlers that
// serve them on the admin and public listeners.
//
// Probes combine with [All] (AND) and [Any] (OR); [Fixed] is static and
// [Timeout] bounds a probe that talks to a remote dependency such as the
// directory cache. [CheckFunc] adapts a plain function into a [Probe].
//
// [ShutdownGate] fails readiness the moment drain starts so load balancers
// stop routing new viewer sessions before open ones are closed.
package health
