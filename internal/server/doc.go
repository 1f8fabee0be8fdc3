// Package server assembles coven-chat from configuration and owns its
// lifecycle.
//
// New opens the store and builds the bus, notification fanout,
// conversation service, session handler and router. Run listens on the
// configured addresses and blocks until the context is canceled. Shutdown
// stops HTTP first, then closes the bus so open chat sessions end with a
// going-away close frame, then stops gRPC and closes the store.
package server
