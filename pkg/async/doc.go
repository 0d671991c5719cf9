// Package async provides bounded, panic-safe fan-out.
//
// Batch runs a function over a slice with a fixed number of goroutines and a
// per-item timeout, returning every error. The check-out sweeper uses it to
// prompt overdue sessions in parallel.
package async
