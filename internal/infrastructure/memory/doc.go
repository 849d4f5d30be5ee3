// Package memory provides in-process implementations of every storage port.
// They back unit tests and single-process local runs; state dies with the process.
package memory
