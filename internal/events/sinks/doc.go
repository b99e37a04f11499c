// Package sinks contains event consumers that plug into the events hub.
package sinks
