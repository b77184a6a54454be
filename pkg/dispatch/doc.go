// Package dispatch hands task requests from strategies to a remote executor.
//
// The Dispatcher is the host's engine.TaskDispatcher. The wire protocol
// lives in dispatch/protocol, the executor client and its transports in
// dispatch/client, and a fake executor in dispatch/simulator.
package dispatch
