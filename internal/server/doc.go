// Package server wires the relay daemon together: the coordinator bus
// with its blob store, the broadcast hub, the rule manager, and the gin
// router exposing health, metrics, and the WebSocket attach endpoint
// that bridges remote loci into the hub.
package server
