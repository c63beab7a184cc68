// Package ratelimit limits session creation per client IP.
//
// Opening a session costs a directory lookup and a content fetch, so the
// create endpoint is the one worth protecting. The limiter is in-memory
// and per instance. It does not stop distributed floods; pair it with
// upstream filtering.
package ratelimit
