// Package mainloop provides a single-goroutine event loop. Network handlers
// hand work to it with Invoke or Call and periodic jobs are registered as
// timeout sources, so all state owned by the loop is touched by one goroutine
// only and needs no locking.
package mainloop
