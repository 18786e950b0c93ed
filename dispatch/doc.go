// Package dispatch decides where and when task bodies run.
//
// A Dispatcher hands out execution slots. A task holds a slot while it runs
// and gives it back at every suspension point, so a pool of N slots never has
// more than N bodies executing at once. Slots are granted in submission order.
//
// The package provides a bounded shared pool for CPU-bound work (Default), an
// elastic pool with a high ceiling for blocking I/O (IO), fixed and single-lane
// pools (NewPool, NewSingle), an inline dispatcher (Inline) and independent
// limited-parallelism views over any of them (Limited).
package dispatch
